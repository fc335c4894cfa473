// =============================================================================
// 文件: internal/crypto/crypto.go
// 描述: 帧加密 - 预共享密钥按时间窗口派生 ChaCha20-Poly1305 密钥
// =============================================================================

package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	PSKSize       = 32
	NodeIDSize    = 4
	TimestampSize = 2
	NonceSize     = chacha20poly1305.NonceSize
	TagSize       = chacha20poly1305.Overhead
	HeaderSize    = NodeIDSize + TimestampSize
	Overhead      = HeaderSize + NonceSize + TagSize

	aeadCacheSize = 8
)

// 错误定义
var (
	ErrTooShort     = errors.New("数据太短")
	ErrNodeMismatch = errors.New("节点标识不匹配")
	ErrTimestamp    = errors.New("时间戳无效")
	ErrReplay       = errors.New("重放攻击")
	ErrDecrypt      = errors.New("解密失败")
)

// Sealer 帧加密器
// 输出: NodeID(4) + Timestamp(2) + Nonce(12) + Ciphertext + Tag(16)
type Sealer struct {
	psk        []byte
	nodeID     [NodeIDSize]byte
	timeWindow int

	aeadCache *lru.Cache[int64, cipher.AEAD]
	recvGuard *ReplayGuard
	clock     clock.Clock
}

// New 创建加密器
func New(pskBase64 string, timeWindow int, clk clock.Clock) (*Sealer, error) {
	psk, err := base64.StdEncoding.DecodeString(pskBase64)
	if err != nil {
		return nil, fmt.Errorf("PSK 解码失败: %w", err)
	}
	if len(psk) != PSKSize {
		return nil, fmt.Errorf("PSK 长度必须是 %d 字节", PSKSize)
	}
	if timeWindow <= 0 {
		return nil, fmt.Errorf("时间窗口必须为正数: %d", timeWindow)
	}
	if clk == nil {
		clk = clock.New()
	}

	cache, err := lru.New[int64, cipher.AEAD](aeadCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Sealer{
		psk:        psk,
		timeWindow: timeWindow,
		aeadCache:  cache,
		recvGuard:  NewReplayGuard(clk),
		clock:      clk,
	}

	// 派生节点标识，共享同一 PSK 的节点相同
	reader := hkdf.New(sha256.New, psk, nil, []byte("wsrm-node-v1"))
	if _, err := io.ReadFull(reader, s.nodeID[:]); err != nil {
		return nil, fmt.Errorf("派生节点标识失败: %w", err)
	}
	return s, nil
}

// NodeID 返回节点标识
func (s *Sealer) NodeID() [NodeIDSize]byte {
	return s.nodeID
}

// Seal 加密一帧
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	aead, err := s.getAEAD(s.currentWindow())
	if err != nil {
		return nil, err
	}

	output := make([]byte, HeaderSize+NonceSize, Overhead+len(plaintext))
	copy(output[:NodeIDSize], s.nodeID[:])
	binary.BigEndian.PutUint16(output[NodeIDSize:HeaderSize], uint16(s.clock.Now().Unix()&0xFFFF))

	nonce := output[HeaderSize : HeaderSize+NonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(output, nonce, plaintext, output[:HeaderSize]), nil
}

// Open 解密一帧
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if len(data) < Overhead {
		return nil, ErrTooShort
	}

	var nodeID [NodeIDSize]byte
	copy(nodeID[:], data[:NodeIDSize])
	if nodeID != s.nodeID {
		return nil, ErrNodeMismatch
	}

	timestamp := binary.BigEndian.Uint16(data[NodeIDSize:HeaderSize])
	if !s.validateTimestamp(timestamp) {
		return nil, ErrTimestamp
	}

	header := data[:HeaderSize]
	nonce := data[HeaderSize : HeaderSize+NonceSize]
	ciphertext := data[HeaderSize+NonceSize:]

	// 窗口切换瞬间两端可能相差一个窗口
	w := s.currentWindow()
	for _, window := range []int64{w, w - 1, w + 1} {
		aead, err := s.getAEAD(window)
		if err != nil {
			continue
		}
		plaintext, err := aead.Open(nil, nonce, ciphertext, header)
		if err != nil {
			continue
		}
		// 解密成功后才标记，伪造帧不会污染过滤器
		if !s.recvGuard.CheckAndMark(nonce) {
			return nil, ErrReplay
		}
		return plaintext, nil
	}
	return nil, ErrDecrypt
}

// Stats 返回防重放统计
func (s *Sealer) Stats() ReplayStats {
	return s.recvGuard.Stats()
}

func (s *Sealer) currentWindow() int64 {
	return s.clock.Now().Unix() / int64(s.timeWindow)
}

func (s *Sealer) getAEAD(window int64) (cipher.AEAD, error) {
	if aead, ok := s.aeadCache.Get(window); ok {
		return aead, nil
	}

	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(window))
	reader := hkdf.New(sha256.New, s.psk, salt, []byte("wsrm-frame-key-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("创建 AEAD 失败: %w", err)
	}
	s.aeadCache.Add(window, aead)
	return aead, nil
}

func (s *Sealer) validateTimestamp(ts uint16) bool {
	current := uint16(s.clock.Now().Unix() & 0xFFFF)
	diff := int(current) - int(ts)

	// 处理时间戳回绕
	if diff < -32768 {
		diff += 65536
	} else if diff > 32768 {
		diff -= 65536
	}
	if diff < 0 {
		diff = -diff
	}
	return diff <= s.timeWindow*3
}

// GeneratePSK 生成新的 PSK
func GeneratePSK() (string, error) {
	psk := make([]byte, PSKSize)
	if _, err := rand.Read(psk); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(psk), nil
}

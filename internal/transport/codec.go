// =============================================================================
// 文件: internal/transport/codec.go
// 描述: 帧编解码 - 报文二进制编码，配置预共享密钥时整帧加密
// =============================================================================
package transport

import (
	"context"

	"github.com/mrcgq/wsrm/internal/crypto"
	"github.com/mrcgq/wsrm/internal/engine"
	"github.com/mrcgq/wsrm/internal/wire"
)

// Receiver 入站报文处理者 (通常是 engine.Coordinator)
type Receiver interface {
	Receive(ctx context.Context, env *wire.Envelope) (*engine.Result, error)
}

// Codec 帧编解码器
type Codec struct {
	sealer *crypto.Sealer
}

// NewCodec 创建编解码器，sealer 为 nil 时不加密
func NewCodec(sealer *crypto.Sealer) *Codec {
	return &Codec{sealer: sealer}
}

// Marshal 报文 → 帧
func (c *Codec) Marshal(env *wire.Envelope) ([]byte, error) {
	data, err := env.Encode()
	if err != nil {
		return nil, err
	}
	if c == nil || c.sealer == nil {
		return data, nil
	}
	return c.sealer.Seal(data)
}

// Unmarshal 帧 → 报文
func (c *Codec) Unmarshal(frame []byte) (*wire.Envelope, error) {
	data := frame
	if c != nil && c.sealer != nil {
		var err error
		if data, err = c.sealer.Open(frame); err != nil {
			return nil, err
		}
	}
	return wire.Decode(data)
}

package exchange

import (
	"bytes"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// packer writes msgpack with a sticky error so field sequences read linearly.
// Field order matters: the action hash is computed over these exact bytes.
type packer struct {
	enc *msgpack.Encoder
	err error
}

func newPacker(buf *bytes.Buffer) *packer {
	return &packer{enc: msgpack.NewEncoder(buf)}
}

func (p *packer) mapLen(n int) {
	if p.err == nil {
		p.err = p.enc.EncodeMapLen(n)
	}
}

func (p *packer) arrayLen(n int) {
	if p.err == nil {
		p.err = p.enc.EncodeArrayLen(n)
	}
}

func (p *packer) str(s string) {
	if p.err == nil {
		p.err = p.enc.EncodeString(s)
	}
}

func (p *packer) int(v int64) {
	if p.err == nil {
		p.err = p.enc.EncodeInt(v)
	}
}

func (p *packer) bool(v bool) {
	if p.err == nil {
		p.err = p.enc.EncodeBool(v)
	}
}

func (p *packer) value(v any) {
	if p.err == nil {
		p.err = p.enc.Encode(v)
	}
}

func EncodeOrderAction(action OrderAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Orders) == 0 {
		return nil, errors.New("action orders are required")
	}
	if action.Grouping == "" {
		action.Grouping = "na"
	}
	for _, order := range action.Orders {
		if order.OrderType.Limit == nil {
			return nil, errors.New("limit order type required")
		}
	}
	var buf bytes.Buffer
	p := newPacker(&buf)
	fields := 3
	if action.Builder != nil {
		fields++
	}
	p.mapLen(fields)
	p.str("type")
	p.str(action.Type)
	p.str("orders")
	p.arrayLen(len(action.Orders))
	for _, order := range action.Orders {
		p.orderWire(order)
	}
	p.str("grouping")
	p.str(action.Grouping)
	if action.Builder != nil {
		p.str("builder")
		p.value(action.Builder)
	}
	if p.err != nil {
		return nil, p.err
	}
	return buf.Bytes(), nil
}

func EncodeCancelAction(action CancelAction) ([]byte, error) {
	if action.Type == "" {
		return nil, errors.New("action type is required")
	}
	if len(action.Cancels) == 0 {
		return nil, errors.New("action cancels are required")
	}
	var buf bytes.Buffer
	p := newPacker(&buf)
	p.mapLen(2)
	p.str("type")
	p.str(action.Type)
	p.str("cancels")
	p.arrayLen(len(action.Cancels))
	for _, c := range action.Cancels {
		p.mapLen(2)
		p.str("a")
		p.int(int64(c.Asset))
		p.str("o")
		p.int(c.OrderID)
	}
	if p.err != nil {
		return nil, p.err
	}
	return buf.Bytes(), nil
}

func (p *packer) orderWire(order OrderWire) {
	fields := 6
	if order.Cloid != "" {
		fields++
	}
	p.mapLen(fields)
	p.str("a")
	p.int(int64(order.Asset))
	p.str("b")
	p.bool(order.IsBuy)
	p.str("p")
	p.str(order.Price)
	p.str("s")
	p.str(order.Size)
	p.str("r")
	p.bool(order.ReduceOnly)
	p.str("t")
	p.mapLen(1)
	p.str("limit")
	p.mapLen(1)
	p.str("tif")
	p.str(string(order.OrderType.Limit.Tif))
	if order.Cloid != "" {
		p.str("c")
		p.str(order.Cloid)
	}
}

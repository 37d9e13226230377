package metrics

import (
	"rostermem/internal/memacc"
)

// Channel counts the transfers of the channel it wraps.
type Channel struct {
	memacc.Channel
	rec *Recorder
}

// WrapChannel returns ch instrumented by rec, or ch itself when rec is nil.
func WrapChannel(ch memacc.Channel, rec *Recorder) memacc.Channel {
	if rec == nil {
		return ch
	}
	return &Channel{Channel: ch, rec: rec}
}

func (c *Channel) ReadBytes(addr uint64, length uint32) ([]byte, error) {
	b, err := c.Channel.ReadBytes(addr, length)
	c.rec.RecordRead(len(b), err)
	return b, err
}

func (c *Channel) WriteBytes(addr uint64, data []byte) error {
	err := c.Channel.WriteBytes(addr, data)
	c.rec.RecordWrite(len(data), err)
	return err
}

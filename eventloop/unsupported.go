//go:build !linux
// +build !linux

package eventloop

func NewEpoll() (Loop, error)                   { return nil, ErrUnsupported }
func NewTimerfd(intervalSec int) (Timer, error) { return nil, ErrUnsupported }

package socket

import "fmt"

type ErrInvalidAddress struct {
	Addr   string
	Source error
}

func (e ErrInvalidAddress) Error() string {
	return fmt.Sprintf("invalid address: %s: %v", e.Addr, e.Source)
}

func (e ErrInvalidAddress) Unwrap() error {
	return e.Source
}

type ErrDial struct {
	Addr   string
	Source error
}

func (e ErrDial) Error() string {
	return fmt.Sprintf("failed to dial %s: %v", e.Addr, e.Source)
}

func (e ErrDial) Unwrap() error {
	return e.Source
}

type ErrNotConnected struct{}

func (ErrNotConnected) Error() string {
	return "socket is not connected"
}

type ErrSendQueueFull struct{}

func (ErrSendQueueFull) Error() string {
	return "send queue is full"
}

type ErrSocketClosed struct{}

func (ErrSocketClosed) Error() string {
	return "socket was closed"
}

package tun

import (
	"errors"
	"io"
)

// Fake is an in-memory Device for tests: Write appends to an outbound
// queue, and Inject feeds packets back out through Read, so a test can
// drive both directions of the forwarder without a real kernel interface.
type Fake struct {
	name    string
	mtu     int
	out     chan []byte
	in      chan []byte
	closed  chan struct{}
}

// NewFake returns a Fake device with the given name/MTU and a modest
// internal queue depth.
func NewFake(name string, mtu int) *Fake {
	return &Fake{
		name:   name,
		mtu:    mtu,
		out:    make(chan []byte, 64),
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

// Write implements Device: it queues packet (sans offset bytes) for a test
// to observe via Written.
func (f *Fake) Write(packet []byte, offset int) (int, error) {
	select {
	case <-f.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	cp := append([]byte(nil), packet[offset:]...)
	select {
	case f.out <- cp:
	default:
		return 0, errors.New("tun: fake outbound queue full")
	}
	return len(packet) - offset, nil
}

// Read implements Device: it blocks until a test Injects a packet or the
// device is closed.
func (f *Fake) Read(packet []byte, offset int) (int, error) {
	select {
	case p := <-f.in:
		n := copy(packet[offset:], p)
		return n, nil
	case <-f.closed:
		return 0, io.EOF
	}
}

// MTU implements Device.
func (f *Fake) MTU() (int, error) { return f.mtu, nil }

// Name implements Device.
func (f *Fake) Name() (string, error) { return f.name, nil }

// Close implements Device.
func (f *Fake) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// Inject feeds packet into the device as if it arrived from the kernel,
// for the forwarder's Read loop to pick up.
func (f *Fake) Inject(packet []byte) {
	f.in <- packet
}

// Written returns the channel of packets the device under test wrote out.
func (f *Fake) Written() <-chan []byte { return f.out }

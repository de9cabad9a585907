package test

import (
	"fmt"
	"sync"
	"testing"

	"mini-rmi/codec"
	"mini-rmi/message"
	"mini-rmi/registry"
	"mini-rmi/remote"
	"mini-rmi/skeleton"
	"mini-rmi/stub"
)

type Calculator interface {
	Add(a, b int) (int, error)
	Divide(a, b int) (int, error)
}

// DivisionError is an application error that crosses the wire with its own
// kind, so callers can match it with errors.As-style type checks on the
// client side as well.
type DivisionError struct {
	Detail string
}

func (e *DivisionError) Error() string     { return e.Detail }
func (e *DivisionError) ErrorKind() string { return "calc.division" }

func init() {
	message.RegisterKind("calc.division", func(msg string) error {
		return &DivisionError{Detail: msg}
	})
}

type calcServer struct{}

func (calcServer) Add(a, b int) (int, error) { return a + b, nil }
func (calcServer) Divide(a, b int) (int, error) {
	if b == 0 {
		return 0, &DivisionError{Detail: fmt.Sprintf("%d/0", a)}
	}
	return a / b, nil
}

// startService brings up a calculator skeleton and a network-path stub for
// it, both on a private registry.
func startService(t *testing.T, opts ...stub.Option) (*skeleton.Skeleton, *stub.Stub) {
	t.Helper()

	sk, err := skeleton.New((*Calculator)(nil), calcServer{}, "127.0.0.1:0", skeleton.WithRegistry(registry.New()))
	if err != nil {
		t.Fatal(err)
	}
	if err := sk.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sk.Stop)

	opts = append([]stub.Option{stub.WithRegistry(registry.New())}, opts...)
	st, err := stub.ForSkeleton((*Calculator)(nil), sk, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return sk, st
}

func TestEndToEndCall(t *testing.T) {
	_, st := startService(t)

	var sum int
	if err := st.Call("Add", &sum, 2, 3); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if sum != 5 {
		t.Fatalf("Add(2,3) = %d, want 5", sum)
	}
}

func TestErrorRoundTripKeepsType(t *testing.T) {
	_, st := startService(t)

	err := st.Call("Divide", new(int), 7, 0)
	if err == nil {
		t.Fatal("Divide(7,0) succeeded, want error")
	}

	divErr, ok := err.(*DivisionError)
	if !ok {
		t.Fatalf("error came back as %T (%v), want *DivisionError", err, err)
	}
	if divErr.Detail != "7/0" {
		t.Errorf("Detail = %q, want %q", divErr.Detail, "7/0")
	}
	if message.KindOf(err) != "calc.division" {
		t.Errorf("kind = %q, want calc.division", message.KindOf(err))
	}
}

func TestGobCodecEndToEnd(t *testing.T) {
	_, st := startService(t, stub.WithCodec(codec.CodecTypeGob))

	var sum int
	if err := st.Call("Add", &sum, 40, 2); err != nil {
		t.Fatalf("Add over gob failed: %v", err)
	}
	if sum != 42 {
		t.Fatalf("Add(40,2) = %d, want 42", sum)
	}

	// The error kind survives the alternate codec too.
	if err := st.Call("Divide", new(int), 1, 0); message.KindOf(err) != "calc.division" {
		t.Fatalf("Divide over gob = %v (kind %q), want calc.division", err, message.KindOf(err))
	}
}

func TestConcurrentCalls(t *testing.T) {
	_, st := startService(t)

	const callers = 50
	var wg sync.WaitGroup
	errs := make(chan error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var got int
			if err := st.Call("Add", &got, i, i); err != nil {
				errs <- fmt.Errorf("caller %d: %v", i, err)
				return
			}
			if got != 2*i {
				errs <- fmt.Errorf("caller %d: Add(%d,%d) = %d, want %d", i, i, i, got, 2*i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestStopThenRestart(t *testing.T) {
	sk, st := startService(t)

	if err := st.Call("Add", new(int), 1, 1); err != nil {
		t.Fatalf("Call before stop failed: %v", err)
	}

	sk.Stop()
	if err := st.Call("Add", new(int), 1, 1); !remote.IsTransport(err) {
		t.Fatalf("Call on stopped service = %v, want transport error", err)
	}

	if err := sk.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	// A system-assigned port may change across restarts, so rebind the stub.
	st2, err := stub.ForSkeleton((*Calculator)(nil), sk, stub.WithRegistry(registry.New()))
	if err != nil {
		t.Fatal(err)
	}
	var sum int
	if err := st2.Call("Add", &sum, 3, 4); err != nil {
		t.Fatalf("Call after restart failed: %v", err)
	}
	if sum != 7 {
		t.Fatalf("Add(3,4) after restart = %d, want 7", sum)
	}
}

func TestTwoSkeletonsOneProcess(t *testing.T) {
	reg := registry.New()

	newSk := func() *skeleton.Skeleton {
		sk, err := skeleton.New((*Calculator)(nil), calcServer{}, "127.0.0.1:0", skeleton.WithRegistry(reg))
		if err != nil {
			t.Fatal(err)
		}
		if err := sk.Start(); err != nil {
			t.Fatal(err)
		}
		t.Cleanup(sk.Stop)
		return sk
	}

	skA, skB := newSk(), newSk()
	if skA.Addr() == skB.Addr() {
		t.Fatalf("two skeletons share address %s", skA.Addr())
	}

	stA, err := stub.ForSkeleton((*Calculator)(nil), skA, stub.WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}
	stB, err := stub.ForSkeleton((*Calculator)(nil), skB, stub.WithRegistry(reg))
	if err != nil {
		t.Fatal(err)
	}

	if stA.Equals(stB) {
		t.Error("stubs for distinct skeletons must not be equal")
	}

	var sum int
	if err := stA.Call("Add", &sum, 1, 2); err != nil || sum != 3 {
		t.Fatalf("skeleton A: got (%d, %v)", sum, err)
	}
	if err := stB.Call("Add", &sum, 3, 4); err != nil || sum != 7 {
		t.Fatalf("skeleton B: got (%d, %v)", sum, err)
	}

	// Stopping A must not disturb B.
	skA.Stop()
	if err := stB.Call("Add", &sum, 5, 5); err != nil || sum != 10 {
		t.Fatalf("skeleton B after A stopped: got (%d, %v)", sum, err)
	}
}

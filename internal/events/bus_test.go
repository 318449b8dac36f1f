package events

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func quietBus() *Bus {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewBus(log)
}

func TestTypedSubscribeReceivesPayload(t *testing.T) {
	bus := quietBus()
	var got QuestionChanged
	unsub := Subscribe(bus, func(e QuestionChanged) { got = e })
	defer unsub()

	bus.Emit(QuestionChanged{Prev: 1, Next: 2})
	bus.Emit(QuizPaused{At: 5})

	if got.Prev != 1 || got.Next != 2 {
		t.Fatalf("unexpected payload %+v", got)
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := quietBus()
	delivered := 0
	Subscribe(bus, func(QuizEnded) { panic("boom") })
	Subscribe(bus, func(QuizEnded) { delivered++ })

	bus.Emit(QuizEnded{})
	if delivered != 1 {
		t.Fatalf("expected second handler to run, got %d", delivered)
	}
}

func TestRepeatedMountUnmountDoesNotLeak(t *testing.T) {
	bus := quietBus()
	calls := 0
	for i := 0; i < 10; i++ {
		unsub := Subscribe(bus, func(FaceDetected) { calls++ })
		unsub()
		unsub()
	}
	keep := Subscribe(bus, func(FaceDetected) { calls++ })
	defer keep()

	bus.Emit(FaceDetected{Detected: true})
	if calls != 1 {
		t.Fatalf("expected exactly one delivery, got %d", calls)
	}
	if n := bus.Len(KindFaceDetected); n != 1 {
		t.Fatalf("expected one handler registered, got %d", n)
	}
}

package models

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/obiente/translate/gotranscribe/internal/failure"
	"github.com/obiente/translate/gotranscribe/internal/whisper"
	"github.com/obiente/translate/gotranscribe/internal/whisper/whispertest"
)

func newManager(b whisper.Backend, maxCached int) *Manager {
	return NewManager(b, maxCached, zerolog.Nop())
}

func oomFor(names ...whisper.ModelName) func(int, whisper.ModelName, whisper.Device) error {
	return func(_ int, name whisper.ModelName, _ whisper.Device) error {
		for _, n := range names {
			if n == name {
				return fmt.Errorf("load %s: %w", name, failure.ErrOutOfMemory)
			}
		}
		return nil
	}
}

func TestAcquireCachesByName(t *testing.T) {
	b := &whispertest.Backend{}
	m := newManager(b, 0)

	h1, err := m.Acquire(whisper.Base, nil)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	h2, err := m.Acquire(whisper.Base, nil)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected cached handle to be reused")
	}
	if got := len(b.Loads()); got != 1 {
		t.Fatalf("expected one backend load, got %d", got)
	}
	if h1.Device != whisper.CPU {
		t.Fatalf("expected cpu device without gpu, got %s", h1.Device)
	}
	if m.Active() != h1 {
		t.Fatalf("expected acquired handle to be active")
	}
}

func TestAcquirePrefersGPU(t *testing.T) {
	b := &whispertest.Backend{GPU: true}
	m := newManager(b, 0)
	h, err := m.Acquire(whisper.Small, nil)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if h.Device != whisper.GPU {
		t.Fatalf("expected gpu device, got %s", h.Device)
	}
}

func TestAcquireLargeOOMOnGPU(t *testing.T) {
	b := &whispertest.Backend{GPU: true, LoadErr: oomFor(whisper.Large)}
	m := newManager(b, 0)

	// a cached model must be cleared by the oom
	small, err := m.Acquire(whisper.Small, nil)
	if err != nil {
		t.Fatalf("Acquire small error: %v", err)
	}

	var statuses []string
	var loadsAtStatus int
	h, err := m.Acquire(whisper.Large, func(msg string) {
		statuses = append(statuses, msg)
		loadsAtStatus = len(b.Loads())
	})
	if err != nil {
		t.Fatalf("Acquire large error: %v", err)
	}
	if h.Name != whisper.Base {
		t.Fatalf("expected fallback to base, got %s", h.Name)
	}

	want := []whispertest.Load{
		{Name: whisper.Small, Device: whisper.GPU},
		{Name: whisper.Large, Device: whisper.GPU},
		{Name: whisper.Large, Device: whisper.GPU},
		{Name: whisper.Base, Device: whisper.GPU},
	}
	if got := b.Loads(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected load sequence:\nwant %v\ngot  %v", want, got)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected one status, got %v", statuses)
	}
	if want := "Memory issue with large model, falling back to base model..."; statuses[0] != want {
		t.Fatalf("status must name both tiers: want %q, got %q", want, statuses[0])
	}
	if loadsAtStatus != 3 {
		t.Fatalf("status must precede the fallback load, saw %d loads", loadsAtStatus)
	}
	if b.Reclaims() == 0 {
		t.Fatalf("expected memory reclamation")
	}
	if !small.Model.(*whispertest.Model).Closed() {
		t.Fatalf("expected cached small model to be released")
	}
	if got := m.Cached(); !reflect.DeepEqual(got, []whisper.ModelName{whisper.Base}) {
		t.Fatalf("unexpected cache contents: %v", got)
	}
}

func TestAcquireMediumOOMOnCPU(t *testing.T) {
	b := &whispertest.Backend{LoadErr: oomFor(whisper.Medium)}
	m := newManager(b, 0)

	h, err := m.Acquire(whisper.Medium, nil)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if h.Name != whisper.Tiny {
		t.Fatalf("expected fallback to tiny, got %s", h.Name)
	}
	want := []whispertest.Load{
		{Name: whisper.Medium, Device: whisper.CPU},
		{Name: whisper.Tiny, Device: whisper.CPU},
	}
	if got := b.Loads(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected load sequence:\nwant %v\ngot  %v", want, got)
	}
}

func TestAcquireGPURetrySucceeds(t *testing.T) {
	b := &whispertest.Backend{GPU: true}
	b.LoadErr = func(call int, _ whisper.ModelName, _ whisper.Device) error {
		if call == 0 {
			return errors.New("CUDA out of memory")
		}
		return nil
	}
	m := newManager(b, 0)
	var statuses []string
	h, err := m.Acquire(whisper.Large, func(msg string) { statuses = append(statuses, msg) })
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if h.Name != whisper.Large || h.Device != whisper.GPU {
		t.Fatalf("expected large on gpu, got %s on %s", h.Name, h.Device)
	}
	if len(statuses) != 0 {
		t.Fatalf("no fallback status expected, got %v", statuses)
	}
}

func TestAcquireSmallOOMFails(t *testing.T) {
	b := &whispertest.Backend{LoadErr: oomFor(whisper.Small)}
	m := newManager(b, 0)
	_, err := m.Acquire(whisper.Small, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if kind, _ := failure.KindOf(err); kind != failure.ModelLoadError {
		t.Fatalf("expected model load error, got %s", kind)
	}
	if !errors.Is(err, failure.ErrOutOfMemory) {
		t.Fatalf("expected original oom cause in chain: %v", err)
	}
}

func TestAcquireFallbackAlsoOOM(t *testing.T) {
	b := &whispertest.Backend{LoadErr: oomFor(whisper.Large, whisper.Base)}
	m := newManager(b, 0)
	_, err := m.Acquire(whisper.Large, nil)
	if kind, _ := failure.KindOf(err); kind != failure.ModelLoadError {
		t.Fatalf("expected model load error, got %v", err)
	}
	if got := failure.Classify(err).Kind; got != failure.OutOfMemory {
		t.Fatalf("expected exhausted fallback to classify as out of memory, got %s", got)
	}
}

func TestAcquireNonMemoryError(t *testing.T) {
	b := &whispertest.Backend{LoadErr: func(int, whisper.ModelName, whisper.Device) error {
		return fmt.Errorf("bad magic: %w", failure.ErrModelLoad)
	}}
	m := newManager(b, 0)
	_, err := m.Acquire(whisper.Large, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if got := len(b.Loads()); got != 1 {
		t.Fatalf("non-memory errors must not retry, saw %d loads", got)
	}
	if got := failure.Classify(err).Kind; got != failure.ModelLoadError {
		t.Fatalf("expected model load classification, got %s", got)
	}
}

func TestAcquireOnRebuildsForDevice(t *testing.T) {
	b := &whispertest.Backend{GPU: true}
	m := newManager(b, 0)
	gpu, err := m.Acquire(whisper.Base, nil)
	if err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	cpu, err := m.AcquireOn(whisper.Base, whisper.CPU, nil)
	if err != nil {
		t.Fatalf("AcquireOn error: %v", err)
	}
	if cpu.Device != whisper.CPU {
		t.Fatalf("expected cpu handle, got %s", cpu.Device)
	}
	if !gpu.Model.(*whispertest.Model).Closed() {
		t.Fatalf("expected gpu handle to be closed")
	}
}

func TestLRUEviction(t *testing.T) {
	b := &whispertest.Backend{}
	m := newManager(b, 2)
	for _, n := range []whisper.ModelName{whisper.Tiny, whisper.Base} {
		if _, err := m.Acquire(n, nil); err != nil {
			t.Fatalf("Acquire %s error: %v", n, err)
		}
	}
	// touch tiny so base becomes least recently used
	if _, err := m.Acquire(whisper.Tiny, nil); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	if _, err := m.Acquire(whisper.Small, nil); err != nil {
		t.Fatalf("Acquire error: %v", err)
	}
	want := []whisper.ModelName{whisper.Tiny, whisper.Small}
	if got := m.Cached(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected cache: want %v, got %v", want, got)
	}
	if !b.Models()[1].Closed() {
		t.Fatalf("expected evicted base model to be closed")
	}
}

func TestReleaseAllAndDrop(t *testing.T) {
	b := &whispertest.Backend{}
	m := newManager(b, 0)
	tiny, _ := m.Acquire(whisper.Tiny, nil)
	base, _ := m.Acquire(whisper.Base, nil)

	m.Drop(base)
	if m.Active() != nil {
		t.Fatalf("expected active handle to be dropped")
	}
	if got := m.Cached(); !reflect.DeepEqual(got, []whisper.ModelName{whisper.Tiny}) {
		t.Fatalf("unexpected cache after drop: %v", got)
	}

	m.ReleaseAll()
	if len(m.Cached()) != 0 {
		t.Fatalf("expected empty cache")
	}
	if !tiny.Model.(*whispertest.Model).Closed() || !base.Model.(*whispertest.Model).Closed() {
		t.Fatalf("expected all models closed")
	}
	// safe to repeat
	m.ReleaseAll()
}

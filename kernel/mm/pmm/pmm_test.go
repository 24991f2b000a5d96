package pmm

import (
	"testing"

	"sos/kernel/mm"
)

func TestBytesToFrames(t *testing.T) {
	specs := []struct {
		bytes  uintptr
		frames uintptr
	}{
		{0, 0},
		{1, 1},
		{4096, 1},
		{4097, 2},
		{8192, 2},
	}

	for specIndex, spec := range specs {
		if got := BytesToFrames(spec.bytes); got != spec.frames {
			t.Errorf("[spec %d] expected %d frames for %d bytes; got %d", specIndex, spec.frames, spec.bytes, got)
		}
	}
}

func TestAllocDeallocRoundTrip(t *testing.T) {
	Init()

	before := bitmap

	frame, err := AllocFrames(4, KernelZone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame < kernelZoneStart || frame >= kernelZoneEnd {
		t.Fatalf("expected frame to land in the kernel zone; got %d", frame)
	}

	if err := DeallocFrames(frame, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if bitmap != before {
		t.Fatal("expected bitmap to be restored bit-for-bit after alloc+dealloc")
	}
}

func TestAllocFirstFit(t *testing.T) {
	Init()

	first, err := AllocFrames(2, KernelZone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != kernelZoneStart {
		t.Fatalf("expected first allocation to land at the start of the kernel zone (%d); got %d", kernelZoneStart, first)
	}

	second, err := AllocFrames(1, KernelZone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != kernelZoneStart+2 {
		t.Fatalf("expected second allocation to immediately follow the first; got %d", second)
	}
}

func TestAllocRespectsZoneBoundaries(t *testing.T) {
	Init()

	kernelZoneSize := uintptr(kernelZoneEnd - kernelZoneStart)

	if _, err := AllocFrames(kernelZoneSize+1, KernelZone); err == nil {
		t.Fatal("expected an allocation larger than the kernel zone to fail")
	}

	frame, err := AllocFrames(1, UserZone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame != userZoneStart {
		t.Fatalf("expected user allocation to start at %d; got %d", userZoneStart, frame)
	}
}

func TestAllocExhaustsZone(t *testing.T) {
	Init()

	kernelZoneSize := uintptr(kernelZoneEnd - kernelZoneStart)

	if _, err := AllocFrames(kernelZoneSize, KernelZone); err != nil {
		t.Fatalf("unexpected error allocating the entire kernel zone: %v", err)
	}

	if _, err := AllocFrames(1, KernelZone); err == nil {
		t.Fatal("expected allocation to fail once the kernel zone is exhausted")
	}
}

func TestDeallocDetectsDoubleFree(t *testing.T) {
	Init()

	frame, err := AllocFrames(1, KernelZone)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := DeallocFrames(frame, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := DeallocFrames(frame, 1); err == nil {
		t.Fatal("expected freeing an already-free frame to return an error")
	}
}

func TestReservedRegionIsNeverAllocatable(t *testing.T) {
	Init()

	for f := mm.Frame(0); f < reservedFrames; f++ {
		if bitSet(f) {
			t.Fatalf("expected reserved frame %d to be marked used", f)
		}
	}
}

func TestFrameAllocatorUsesKernelZone(t *testing.T) {
	Init()

	frame, err := mm.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame < kernelZoneStart || frame >= kernelZoneEnd {
		t.Fatalf("expected mm.AllocFrame to draw from the kernel zone; got %d", frame)
	}

	mm.DeallocFrame(frame)
	if !bitSet(frame) {
		t.Fatal("expected mm.DeallocFrame to free the frame")
	}
}

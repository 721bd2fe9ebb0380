package virtio

import "testing"

func TestStatusHappyPathReturnsActivateOnlyOnDriverOK(t *testing.T) {
	b, _, _, _ := newTestDevice(2, 0, 4)

	if _, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge); err != nil {
		t.Fatalf("ACK: %v", err)
	}
	if action, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge|statusDriver); err != nil || action != NoAction {
		t.Fatalf("ACK|DRIVER: action=%v err=%v", action, err)
	}
	if action, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge|statusDriver|statusFeaturesOK); err != nil || action != NoAction {
		t.Fatalf("+FEATURES_OK: action=%v err=%v", action, err)
	}
	action, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
	if err != nil {
		t.Fatalf("+DRIVER_OK: %v", err)
	}
	if action != ActivateDevice {
		t.Fatalf("action = %v, want ActivateDevice", action)
	}
	if got := getU32(b, VIRTIO_MMIO_STATUS); got != statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK {
		t.Errorf("status register = %#x, want full happy-path value", got)
	}
}

func TestStatusZeroWriteResets(t *testing.T) {
	b, _, _, _ := newTestDevice(2, 0, 4)

	if _, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge|statusDriver); err != nil {
		t.Fatalf("ACK|DRIVER: %v", err)
	}
	action, err := putU32(b, VIRTIO_MMIO_STATUS, 0)
	if err != nil {
		t.Fatalf("reset write: %v", err)
	}
	if action != Reset {
		t.Errorf("action = %v, want Reset", action)
	}
	if got := getU32(b, VIRTIO_MMIO_STATUS); got != 0 {
		t.Errorf("status after reset = %#x, want 0", got)
	}
}

func TestStatusDriverOKBeforeFeaturesOKForcesFailed(t *testing.T) {
	b, _, _, _ := newTestDevice(2, 0, 4)

	if _, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge|statusDriver); err != nil {
		t.Fatalf("ACK|DRIVER: %v", err)
	}
	if _, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge|statusDriver|statusDriverOK); err == nil {
		t.Fatal("expected an error setting DRIVER_OK before FEATURES_OK")
	}
	if got := getU32(b, VIRTIO_MMIO_STATUS); got != statusFailed {
		t.Errorf("status = %#x, want statusFailed (%#x)", got, statusFailed)
	}
}

func TestStatusUnsupportedFeatureAckForcesFailed(t *testing.T) {
	// Advertise only bit 0; the driver then acks bit 1 too, which the
	// device never offered.
	b, _, _, _ := newTestDevice(2, 0x1, 4)

	if _, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge|statusDriver); err != nil {
		t.Fatalf("ACK|DRIVER: %v", err)
	}
	if _, err := putU32(b, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0); err != nil {
		t.Fatalf("select driver features word 0: %v", err)
	}
	if _, err := putU32(b, VIRTIO_MMIO_DRIVER_FEATURES, 0x3); err != nil {
		t.Fatalf("ack unsupported bit: %v", err)
	}
	if _, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge|statusDriver|statusFeaturesOK); err == nil {
		t.Fatal("expected an error acking an unsupported feature bit")
	}
	// The rejected FEATURES_OK bit is stripped back out, but the rest of
	// the attempted write still lands alongside FAILED.
	want := uint32(statusAcknowledge|statusDriver) | statusFailed
	if got := getU32(b, VIRTIO_MMIO_STATUS); got != want {
		t.Errorf("status = %#x, want %#x", got, want)
	}
}

func TestStatusWriteWhileFailedIsRejected(t *testing.T) {
	b, _, _, _ := newTestDevice(2, 0, 4)

	if _, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge|statusDriver|statusDriverOK); err == nil {
		t.Fatal("expected the DRIVER_OK-before-FEATURES_OK write to fail")
	}
	if got := getU32(b, VIRTIO_MMIO_STATUS); got != statusFailed {
		t.Fatalf("precondition: status = %#x, want statusFailed", got)
	}
	if _, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge); err == nil {
		t.Fatal("expected any non-zero write to a failed device to be rejected")
	}
}

func TestQueueDescAddrLatchedBeforeDriverOKIgnoredAfter(t *testing.T) {
	b, _, _, _ := newTestDevice(2, 0, 4)

	if _, err := putU32(b, VIRTIO_MMIO_QUEUE_SEL, 0); err != nil {
		t.Fatalf("QUEUE_SEL: %v", err)
	}
	if _, err := putU32(b, VIRTIO_MMIO_QUEUE_NUM, 4); err != nil {
		t.Fatalf("QUEUE_NUM: %v", err)
	}
	if _, err := putU32(b, VIRTIO_MMIO_QUEUE_DESC_LOW, 0x1000); err != nil {
		t.Fatalf("QUEUE_DESC_LOW: %v", err)
	}
	if got := getU32(b, VIRTIO_MMIO_QUEUE_DESC_LOW); got != 0x1000 {
		t.Fatalf("QUEUE_DESC_LOW readback = %#x, want 0x1000", got)
	}

	if _, err := putU32(b, VIRTIO_MMIO_QUEUE_READY, 1); err != nil {
		t.Fatalf("QUEUE_READY: %v", err)
	}
	if _, err := putU32(b, VIRTIO_MMIO_STATUS, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK); err != nil {
		t.Fatalf("drive to DRIVER_OK: %v", err)
	}

	// Once DRIVER_OK is set, further writes to queue address registers
	// must be ignored rather than silently corrupting a running queue.
	if _, err := putU32(b, VIRTIO_MMIO_QUEUE_DESC_LOW, 0x2000); err != nil {
		t.Fatalf("late QUEUE_DESC_LOW write: %v", err)
	}
	if got := getU32(b, VIRTIO_MMIO_QUEUE_DESC_LOW); got != 0x1000 {
		t.Errorf("QUEUE_DESC_LOW after DRIVER_OK = %#x, want unchanged 0x1000", got)
	}
}

func TestQueueNotifyBeforeDriverOKIsNoop(t *testing.T) {
	b, handler, _, _ := newTestDevice(2, 0, 4)
	if _, err := putU32(b, VIRTIO_MMIO_QUEUE_NOTIFY, 0); err != nil {
		t.Fatalf("QUEUE_NOTIFY: %v", err)
	}
	if len(handler.notified) != 0 {
		t.Errorf("notified = %v, want no dispatch before DRIVER_OK", handler.notified)
	}
}

func TestInterruptAckLowersLineOnlyWhenStatusClears(t *testing.T) {
	b, _, _, irq := newTestDevice(2, 0, 4)
	dev, err := b.RequireDevice()
	if err != nil {
		t.Fatalf("RequireDevice: %v", err)
	}
	if err := dev.raiseInterrupt(VIRTIO_MMIO_INT_CONFIG); err != nil {
		t.Fatalf("raiseInterrupt: %v", err)
	}
	if irq.count() != 1 {
		t.Fatalf("pulses after raise = %d, want 1", irq.count())
	}

	// Acking a bit that was never set must not toggle the line again.
	if _, err := putU32(b, VIRTIO_MMIO_INTERRUPT_ACK, VIRTIO_MMIO_INT_VRING); err != nil {
		t.Fatalf("ack unset bit: %v", err)
	}
	if irq.count() != 1 {
		t.Errorf("pulses after no-op ack = %d, want still 1", irq.count())
	}

	if _, err := putU32(b, VIRTIO_MMIO_INTERRUPT_ACK, VIRTIO_MMIO_INT_CONFIG); err != nil {
		t.Fatalf("ack config bit: %v", err)
	}
	if irq.count() != 2 {
		t.Errorf("pulses after clearing ack = %d, want 2", irq.count())
	}
}

package control

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"labcore/pkg/device/sim"
	coreerrors "labcore/pkg/errors"
)

func TestFlowRegulatorReachesSetpoint(t *testing.T) {
	g := NewWithT(t)
	board := sim.NewFlowBoard(2, 15)
	cfg := PIDConfig{Ki: 25, OutputMin: 0, OutputMax: 15, SampleTime: 5 * time.Millisecond}

	w, err := NewFlowRegulator(cfg, board, 10)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(w.Start(context.Background())).To(Succeed())
	defer w.StopAndWait()

	g.Eventually(func() float64 {
		v, _ := board.FlowRate(context.Background())
		return v
	}).WithTimeout(2 * time.Second).Should(BeNumerically("~", 10, 0.1))
}

func TestFlowRegulatorSaturatesWithoutWindup(t *testing.T) {
	g := NewWithT(t)
	board := sim.NewFlowBoard(2, 15)
	cfg := PIDConfig{Ki: 25, OutputMin: 0, OutputMax: 15, SampleTime: 2 * time.Millisecond}

	// 100 µl/min needs 50 pressure units; the board tops out at 15.
	w, err := NewFlowRegulator(cfg, board, 100)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(w.Start(context.Background())).To(Succeed())
	g.Eventually(board.Pressure).Should(Equal(15.0))
	integral := w.Controller().Integral()
	g.Consistently(w.Controller().Integral, 20*time.Millisecond).Should(Equal(integral))
	g.Expect(w.StopAndWait()).To(Succeed())
}

func TestMeasureVolume(t *testing.T) {
	board := sim.NewFlowBoard(40, 15)
	ctx := context.Background()
	board.SetPressure(ctx, 15) // 600 µl/min = 10 µl/s

	var updates int
	vol, err := MeasureVolume(ctx, board, 1, 10*time.Millisecond, func(float64) { updates++ })
	if err != nil {
		t.Fatalf("MeasureVolume: %v", err)
	}
	if vol < 1 || vol > 1.5 {
		t.Errorf("volume = %v, want just over 1", vol)
	}
	if updates < 5 {
		t.Errorf("progress called %d times", updates)
	}
}

func TestMeasureVolumeFaultAndCancel(t *testing.T) {
	board := sim.NewFlowBoard(40, 15)
	board.Fail(true)
	if _, err := MeasureVolume(context.Background(), board, 1, time.Millisecond, nil); !coreerrors.Is(err, coreerrors.ErrControlLoopFault) {
		t.Errorf("expected CONTROL_LOOP_FAULT, got %v", err)
	}

	board.Fail(false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := MeasureVolume(ctx, board, 1000, time.Millisecond, nil); err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

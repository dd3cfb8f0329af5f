package energy

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/sensornode"
)

type MockSleeper struct {
	mock.Mock
}

func (m *MockSleeper) Sleep(ctx context.Context, mode Mode) error {
	args := m.Called(ctx, mode)
	return args.Error(0)
}

func TestArbiter_FloorWithoutReservations(t *testing.T) {
	a := NewArbiter(nil)
	assert.Equal(t, EM4, a.CurrentFloor())
}

func TestArbiter_FloorFollowsShallowestReservation(t *testing.T) {
	a := NewArbiter(nil)
	a.Block(EM3)
	assert.Equal(t, EM3, a.CurrentFloor())
	a.Block(EM2)
	assert.Equal(t, EM2, a.CurrentFloor())
	require.NoError(t, a.Unblock(EM2))
	assert.Equal(t, EM3, a.CurrentFloor())
	require.NoError(t, a.Unblock(EM3))
	assert.Equal(t, EM4, a.CurrentFloor())
}

func TestArbiter_ReservationsNest(t *testing.T) {
	a := NewArbiter(nil)
	a.Block(EM2)
	a.Block(EM2)
	require.NoError(t, a.Unblock(EM2))
	assert.Equal(t, EM2, a.CurrentFloor(), "one reservation is still held")
	require.NoError(t, a.Unblock(EM2))
	assert.Equal(t, EM4, a.CurrentFloor())
}

func TestArbiter_Underflow(t *testing.T) {
	a := NewArbiter(nil)
	err := a.Unblock(EM2)
	require.ErrorIs(t, err, sensornode.ErrReservationUnderflow)
	assert.Equal(t, 0, a.Reservations(EM2))

	a.Block(EM1)
	err = a.Unblock(EM2)
	require.ErrorIs(t, err, sensornode.ErrReservationUnderflow, "unblock must pair with the same mode")
	assert.Equal(t, 1, a.Reservations(EM1))
}

func TestArbiter_BlockInvalidModePanics(t *testing.T) {
	a := NewArbiter(nil)
	assert.Panics(t, func() { a.Block(Mode(7)) })
	assert.Error(t, a.Unblock(Mode(-1)))
}

func TestArbiter_Open(t *testing.T) {
	a := NewArbiter(nil)
	a.Block(EM0)
	a.Block(EM3)
	a.Open()
	assert.Equal(t, EM4, a.CurrentFloor())
	assert.Equal(t, 0, a.Reservations(EM0))
}

func TestArbiter_RandomInterleavings(t *testing.T) {
	rnd := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		a := NewArbiter(nil)
		var model [NumModes]int
		for step := 0; step < 200; step++ {
			m := Mode(rnd.Intn(NumModes))
			if model[m] > 0 && rnd.Intn(2) == 0 {
				require.NoError(t, a.Unblock(m))
				model[m]--
			} else {
				a.Block(m)
				model[m]++
			}
			expected := EM4
			for i := EM0; i < EM4; i++ {
				if model[i] > 0 {
					expected = i
					break
				}
			}
			require.Equal(t, expected, a.CurrentFloor(), "round %d step %d", round, step)
		}
	}
}

func TestArbiter_ConcurrentBlockUnblock(t *testing.T) {
	a := NewArbiter(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				a.Block(EM2)
				assert.NoError(t, a.Unblock(EM2))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, a.Reservations(EM2))
	assert.Equal(t, EM4, a.CurrentFloor())
}

func TestArbiter_EnterSleep(t *testing.T) {
	tests := []struct {
		name     string
		blocked  []Mode
		expected Mode
	}{
		{name: "nothing blocked", expected: EM3},
		{name: "EM4 blocked", blocked: []Mode{EM4}, expected: EM3},
		{name: "EM3 blocked", blocked: []Mode{EM3}, expected: EM2},
		{name: "EM2 blocked", blocked: []Mode{EM2, EM4}, expected: EM1},
		{name: "EM1 blocked", blocked: []Mode{EM1}, expected: EM0},
		{name: "EM0 blocked", blocked: []Mode{EM0, EM2}, expected: EM0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sleeper := new(MockSleeper)
			a := NewArbiter(sleeper)
			for _, m := range tt.blocked {
				a.Block(m)
			}
			if tt.expected != EM0 {
				sleeper.On("Sleep", mock.Anything, tt.expected).Return(nil).Once()
			}
			mode, err := a.EnterSleep(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, mode)
			sleeper.AssertExpectations(t)
		})
	}
}

func TestArbiter_EnterSleepError(t *testing.T) {
	sleeper := new(MockSleeper)
	sleeper.On("Sleep", mock.Anything, EM3).Return(context.Canceled)
	a := NewArbiter(sleeper)
	_, err := a.EnterSleep(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitSleeper_WakeBeforeSleepIsKept(t *testing.T) {
	s := NewWaitSleeper()
	s.Wake()
	s.Wake() // coalesces
	done := make(chan error, 1)
	go func() { done <- s.Sleep(context.Background(), EM2) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sleep did not consume the pending wake token")
	}
	_, entries := s.Residency(EM2)
	assert.Equal(t, 1, entries)
}

func TestWaitSleeper_Residency(t *testing.T) {
	mockClock := clock.NewMock()
	s := NewWaitSleeper(WithClock(mockClock))
	done := make(chan error, 1)
	go func() { done <- s.Sleep(context.Background(), EM3) }()
	// let the sleeper take its start timestamp before the clock moves
	time.Sleep(10 * time.Millisecond)
	mockClock.Add(3 * time.Second)
	s.Wake()
	require.NoError(t, <-done)
	d, n := s.Residency(EM3)
	assert.Equal(t, 3*time.Second, d)
	assert.Equal(t, 1, n)
}

func TestWaitSleeper_ContextCancel(t *testing.T) {
	s := NewWaitSleeper()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Sleep(ctx, EM1), context.Canceled)
}

func TestMode_YAML(t *testing.T) {
	var cfg struct {
		Block Mode `yaml:"block"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("block: em2\n"), &cfg))
	assert.Equal(t, EM2, cfg.Block)

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Equal(t, "block: EM2\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte("block: EM9\n"), &cfg))
}

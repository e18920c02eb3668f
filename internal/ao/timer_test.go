package ao

import (
	"testing"
	"time"

	"github.com/kestrel-embedded/i2c-hsm/internal/ao/faketime"
)

func TestTimerFiresAfterArmedDuration(t *testing.T) {
	clock := faketime.New()
	timer := NewTimer(clock)

	fired := false
	timer.Arm(20*time.Millisecond, func() { fired = true })

	clock.Advance(10 * time.Millisecond)
	if fired {
		t.Fatalf("fired before the armed duration elapsed")
	}

	clock.Advance(10 * time.Millisecond)
	if !fired {
		t.Fatalf("did not fire after the armed duration elapsed")
	}
}

func TestDisarmPreventsFire(t *testing.T) {
	clock := faketime.New()
	timer := NewTimer(clock)

	fired := false
	timer.Arm(20*time.Millisecond, func() { fired = true })
	timer.Disarm()

	clock.Advance(100 * time.Millisecond)
	if fired {
		t.Fatalf("fired despite being disarmed")
	}
}

func TestArmWhileArmedReplacesPriorArm(t *testing.T) {
	clock := faketime.New()
	timer := NewTimer(clock)

	firstFired := false
	secondFired := false
	timer.Arm(20*time.Millisecond, func() { firstFired = true })
	timer.Arm(20*time.Millisecond, func() { secondFired = true })

	clock.Advance(20 * time.Millisecond)

	if firstFired {
		t.Fatalf("first arm fired despite being replaced")
	}
	if !secondFired {
		t.Fatalf("second arm did not fire")
	}
}

func TestDisarmUnarmedTimerIsNoOp(t *testing.T) {
	timer := NewTimer(faketime.New())
	timer.Disarm() // must not panic
}

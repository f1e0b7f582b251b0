package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/richardbowden/sqs-processor/internal/jobs"
)

type Pattern string

const (
	PatternSteady    Pattern = "steady"
	PatternBurst     Pattern = "burst"
	PatternWave      Pattern = "wave"
	PatternTimeOfDay Pattern = "timeofday"
)

func (p Pattern) Valid() bool {
	switch p {
	case PatternSteady, PatternBurst, PatternWave, PatternTimeOfDay:
		return true
	}
	return false
}

func inBurst(progress float64) bool {
	return progress < 0.3 || (progress > 0.5 && progress < 0.6) || (progress > 0.8 && progress < 0.9)
}

// Intensity is the relative load in [0,1] at the given point of the run.
func (p Pattern) Intensity(progress float64) float64 {
	switch p {
	case PatternBurst:
		if inBurst(progress) {
			return 0.9
		}
		return 0.3
	case PatternWave:
		return (1 + math.Sin(progress*6*math.Pi)) / 2
	case PatternTimeOfDay:
		hour := progress * 24
		switch {
		case hour < 6:
			return 0.2
		case hour < 9:
			return 0.5
		case hour < 14:
			return 0.9
		case hour < 20:
			return 0.6
		default:
			return 0.3
		}
	default:
		return 0.5
	}
}

func (p Pattern) Phase(progress float64) string {
	switch p {
	case PatternBurst:
		if inBurst(progress) {
			return "Burst"
		}
		return "Normal"
	case PatternWave:
		s := math.Sin(progress * 6 * math.Pi)
		if s > 0.5 {
			return "Peak"
		} else if s < -0.5 {
			return "Valley"
		}
		return "Transitioning"
	case PatternTimeOfDay:
		hour := progress * 24
		switch {
		case hour < 6:
			return "Night"
		case hour < 9:
			return "Morning"
		case hour < 14:
			return "Peak hours"
		case hour < 20:
			return "Evening"
		default:
			return "Late night"
		}
	default:
		return "Steady"
	}
}

// Delay is the pause before sending message index; high intensity means short delays.
func (p Pattern) Delay(progress float64, rng *rand.Rand) time.Duration {
	if p == PatternSteady {
		return time.Duration(10+rng.Intn(5)) * time.Millisecond
	}
	base := 5 + int((1-p.Intensity(progress))*195)
	return time.Duration(base+rng.Intn(10)) * time.Millisecond
}

// EmailRatio is the share of email jobs. Busy phases are notification heavy.
func (p Pattern) EmailRatio(progress, steady float64) float64 {
	if p == PatternSteady {
		return steady
	}
	return 0.9 - p.Intensity(progress)*0.7
}

var (
	domains  = []string{"example.com", "test.com", "demo.com", "loadtest.com"}
	subjects = []string{
		"Load Test Message", "Performance Test", "Weekly Report",
		"Account Notification", "System Alert",
	}
	channels = []string{"push", "sms", "in-app"}
	contents = []string{
		"You have a new message", "Your order has been shipped",
		"Payment received", "New follower", "Reminder: Meeting in 15 minutes",
	}
	platforms = []string{"mobile", "web", "desktop"}
)

func pick(rng *rand.Rand, from []string) string {
	return from[rng.Intn(len(from))]
}

// NewJob builds the job for message index of total.
func NewJob(rng *rand.Rand, pattern Pattern, index, total int, steadyRatio float64) jobs.Message {
	progress := float64(index) / float64(total)

	if rng.Float64() < pattern.EmailRatio(progress, steadyRatio) {
		recipient := fmt.Sprintf("user%d@%s", index, pick(rng, domains))
		msg := jobs.NewEmail(recipient, pick(rng, subjects), "Load test message body")
		if rng.Intn(2) == 0 {
			msg.Metadata["priority"] = "high"
		}
		return msg
	}

	msg := jobs.NewNotification(fmt.Sprintf("user%d", 1000+rng.Intn(9000)), pick(rng, channels), pick(rng, contents))
	msg.Metadata["platform"] = pick(rng, platforms)
	return msg
}

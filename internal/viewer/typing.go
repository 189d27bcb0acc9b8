package viewer

import (
	"time"
	"unicode/utf8"
)

// Clock abstracts time for animation sampling so tests run without real
// timers.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real-time Clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time { return time.Now() }

// Animation defaults. ~3 characters per 16ms tick reads as fast typing
// without being instant.
const (
	DefaultCharsPerTick = 3
	DefaultTickInterval = 16 * time.Millisecond
)

// Animation is a typing reveal over target content. It is a pure function of
// elapsed time: the revealed prefix at any instant is derived from the start
// time, never from accumulated timer callbacks, so there are no orphaned
// ticks to cancel and sampling is idempotent.
//
// Characters are runes, not bytes: the revealed prefix is always valid UTF-8,
// and multi-byte content reveals at the same visible rate as ASCII.
//
// The zero Animation reveals nothing.
type Animation struct {
	target       string
	targetChars  int // rune count of target
	startChars   int // runes already revealed when the animation began
	startedAt    time.Time
	charsPerTick int
	tick         time.Duration
}

// NewAnimation starts a reveal of target at startedAt. startChars runes are
// visible immediately; edits to an already-displayed file pass the length of
// the unchanged prefix here so only the delta animates.
func NewAnimation(target string, startChars int, startedAt time.Time) Animation {
	chars := utf8.RuneCountInString(target)
	if startChars < 0 {
		startChars = 0
	}
	if startChars > chars {
		startChars = chars
	}
	return Animation{
		target:       target,
		targetChars:  chars,
		startChars:   startChars,
		startedAt:    startedAt,
		charsPerTick: DefaultCharsPerTick,
		tick:         DefaultTickInterval,
	}
}

// CompletedAnimation returns an animation that is already fully revealed.
// Replayed events use this: animation is a live-moment affordance only.
func CompletedAnimation(target string) Animation {
	chars := utf8.RuneCountInString(target)
	return Animation{target: target, targetChars: chars, startChars: chars}
}

// RevealedAt returns the portion of the target visible at the given instant.
func (a Animation) RevealedAt(now time.Time) string {
	return runePrefix(a.target, a.revealedChars(now))
}

// DoneAt reports whether the full target is visible at the given instant.
func (a Animation) DoneAt(now time.Time) bool {
	return a.revealedChars(now) == a.targetChars
}

// Target returns the content being revealed.
func (a Animation) Target() string { return a.target }

func (a Animation) revealedChars(now time.Time) int {
	n := a.startChars
	if a.tick > 0 && now.After(a.startedAt) {
		ticks := int(now.Sub(a.startedAt) / a.tick)
		n += ticks * a.charsPerTick
	}
	if n > a.targetChars {
		n = a.targetChars
	}
	return n
}

// runePrefix returns the first n runes of s without ever cutting mid-rune.
func runePrefix(s string, n int) string {
	if n <= 0 {
		return ""
	}
	seen := 0
	for i := range s {
		if seen == n {
			return s[:i]
		}
		seen++
	}
	return s
}

// commonPrefixLen returns the rune length of the longest shared prefix of a
// and b. Used to carry over the unchanged part of a file edit so the reveal
// starts at the first changed character, never mid-rune.
func commonPrefixLen(a, b string) int {
	n := 0
	for len(a) > 0 && len(b) > 0 {
		ra, sizeA := utf8.DecodeRuneInString(a)
		rb, sizeB := utf8.DecodeRuneInString(b)
		if ra != rb || sizeA != sizeB {
			break
		}
		a, b = a[sizeA:], b[sizeB:]
		n++
	}
	return n
}

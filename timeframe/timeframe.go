package timeframe

/*
Timeframe

A Timeframe is a vector watermark: for every feed it records the highest
sequence number that has been consumed. Sequence numbers are 0-based, so an
absent feed means "nothing consumed" and sorts below seq 0.

	A <= B   iff every entry of A is <= the matching entry of B
	Merge    pointwise maximum

Timeframes are immutable values; every operation returns a new Timeframe.
*/

import (
	"fmt"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/adamgarcia4/goLearning/spaces/keys"
)

// Entry is one feed's watermark
type Entry struct {
	Key keys.PublicKey
	Seq int64
}

// Timeframe maps feed keys to the highest consumed sequence number
type Timeframe struct {
	frames map[keys.PublicKey]int64
}

// New builds a timeframe from entries. Duplicate keys keep the highest seq.
func New(entries ...Entry) Timeframe {
	frames := make(map[keys.PublicKey]int64, len(entries))
	for _, e := range entries {
		if cur, ok := frames[e.Key]; !ok || e.Seq > cur {
			frames[e.Key] = e.Seq
		}
	}
	return Timeframe{frames: frames}
}

// Get returns the seq for key and whether the feed is present
func (tf Timeframe) Get(key keys.PublicKey) (int64, bool) {
	seq, ok := tf.frames[key]
	return seq, ok
}

// Seq returns the seq for key, or -1 when nothing was consumed
func (tf Timeframe) Seq(key keys.PublicKey) int64 {
	if seq, ok := tf.frames[key]; ok {
		return seq
	}
	return -1
}

// Set returns a copy with key set to seq
func (tf Timeframe) Set(key keys.PublicKey, seq int64) Timeframe {
	frames := make(map[keys.PublicKey]int64, len(tf.frames)+1)
	for k, v := range tf.frames {
		frames[k] = v
	}
	frames[key] = seq
	return Timeframe{frames: frames}
}

// Without returns a copy with key removed
func (tf Timeframe) Without(key keys.PublicKey) Timeframe {
	frames := make(map[keys.PublicKey]int64, len(tf.frames))
	for k, v := range tf.frames {
		if k != key {
			frames[k] = v
		}
	}
	return Timeframe{frames: frames}
}

// Entries returns the entries ordered by feed key
func (tf Timeframe) Entries() []Entry {
	entries := make([]Entry, 0, len(tf.frames))
	for k, v := range tf.frames {
		entries = append(entries, Entry{Key: k, Seq: v})
	}
	slices.SortFunc(entries, func(a, b Entry) int { return a.Key.Compare(b.Key) })
	return entries
}

func (tf Timeframe) Len() int {
	return len(tf.frames)
}

func (tf Timeframe) IsEmpty() bool {
	return len(tf.frames) == 0
}

// TotalMessages counts the messages covered by the timeframe
func (tf Timeframe) TotalMessages() int64 {
	var total int64
	for _, seq := range tf.frames {
		total += seq + 1
	}
	return total
}

// Equal reports whether both timeframes hold exactly the same entries
func (tf Timeframe) Equal(other Timeframe) bool {
	if len(tf.frames) != len(other.frames) {
		return false
	}
	for k, v := range tf.frames {
		if ov, ok := other.frames[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// LessOrEqual reports a <= b under the partial order
func LessOrEqual(a, b Timeframe) bool {
	for k, v := range a.frames {
		if v > b.Seq(k) {
			return false
		}
	}
	return true
}

// Merge takes the pointwise maximum of all timeframes
func Merge(tfs ...Timeframe) Timeframe {
	frames := make(map[keys.PublicKey]int64)
	for _, tf := range tfs {
		for k, v := range tf.frames {
			if cur, ok := frames[k]; !ok || v > cur {
				frames[k] = v
			}
		}
	}
	return Timeframe{frames: frames}
}

// Dependencies returns the entries of tf that base has not reached yet
func Dependencies(tf, base Timeframe) Timeframe {
	frames := make(map[keys.PublicKey]int64)
	for k, v := range tf.frames {
		if v > base.Seq(k) {
			frames[k] = v
		}
	}
	return Timeframe{frames: frames}
}

func (tf Timeframe) String() string {
	parts := make([]string, 0, len(tf.frames))
	for _, e := range tf.Entries() {
		parts = append(parts, fmt.Sprintf("%s:%d", e.Key.Truncate(), e.Seq))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (tf Timeframe) MarshalYAML() (interface{}, error) {
	out := make(map[string]int64, len(tf.frames))
	for k, v := range tf.frames {
		out[k.String()] = v
	}
	return out, nil
}

func (tf *Timeframe) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]int64
	if err := node.Decode(&raw); err != nil {
		return err
	}
	frames := make(map[keys.PublicKey]int64, len(raw))
	for k, v := range raw {
		key, err := keys.ParsePublicKey(k)
		if err != nil {
			return err
		}
		frames[key] = v
	}
	tf.frames = frames
	return nil
}

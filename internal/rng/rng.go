package rng

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgryski/go-wyhash"
	"pgregory.net/rand"
)

// adjectives and nouns are used to build pronounceable words
var adjectives = []string{
	"able", "bad", "best", "better", "big", "black", "certain", "clear", "different", "early",
	"easy", "economic", "free", "full", "good", "great", "hard", "high", "human", "important",
	"large", "late", "little", "local", "long", "low", "major", "new", "old", "only", "other",
	"possible", "public", "real", "recent", "right", "small", "special", "strong", "sure", "true",
	"white", "whole", "young",
}

var nouns = []string{
	"angle", "ant", "apple", "arch", "arm", "army", "bag", "ball", "band", "basin", "basket", "bath",
	"bed", "bee", "bell", "berry", "bird", "blade", "board", "boat", "bone", "book", "boot", "bottle",
	"box", "brain", "brake", "branch", "brick", "bridge", "brush", "bucket", "bulb", "button", "cake",
	"camera", "card", "cart", "cat", "chain", "cheese", "chess", "circle", "clock", "cloud", "coat",
	"comb", "cord", "cow", "cup", "curtain", "cushion", "dog", "door", "drain", "drawer", "drop",
	"engine", "eye", "farm", "feather", "fish", "flag", "floor", "fork", "frame", "garden", "glove",
	"goat", "hammer", "hat", "heart", "hook", "horn", "horse", "house", "island", "jewel", "kettle",
	"key", "knife", "knot", "leaf", "library", "line", "lock", "map", "match", "moon", "nail",
	"needle", "net", "nut", "office", "orange", "oven", "parcel", "pen", "pencil", "pipe", "plane",
	"plate", "pocket", "pot", "pump", "rail", "ring", "rod", "roof", "root", "sail", "school",
	"screw", "seed", "shelf", "ship", "shirt", "shoe", "spade", "sponge", "spoon", "spring",
	"square", "stamp", "star", "station", "stick", "store", "street", "sun", "table", "thread",
	"ticket", "town", "train", "tray", "tree", "umbrella", "wall", "watch", "wheel", "whistle",
	"window", "wing", "wire",
}

// Rng is a seeded random source. It is not safe for concurrent use.
type Rng struct {
	rng *rand.Rand
}

// New returns an Rng whose sequence is fully determined by the seed string.
func New(s string) *Rng {
	return &Rng{rand.New(wyhash.Hash([]byte(s), 2467825690))}
}

// ProcessSeed returns a seed string that differs for every process start.
func ProcessSeed(prefix string) string {
	return fmt.Sprintf("%s-%d-%d", prefix, os.Getpid(), time.Now().UnixNano())
}

func (r *Rng) Intn(n int) int64 {
	if n <= 0 {
		return 0
	}
	return int64(r.rng.Intn(n))
}

func (r *Rng) Choice(a []string) string {
	return a[r.Intn(len(a))]
}

func (r *Rng) Bool() bool {
	return r.Intn(2) == 0
}

// Int returns a value in [min, max).
func (r *Rng) Int(min, max int) int64 {
	if max <= min {
		return int64(min)
	}
	return int64(r.rng.Intn(max-min) + min)
}

func (r *Rng) Float(min, max float64) float64 {
	return r.rng.Float64()*(max-min) + min
}

// Chance reports true with probability p (0..1).
func (r *Rng) Chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return r.rng.Float64() < p
}

func (r *Rng) Gaussian(mean, stddev float64) float64 {
	return r.rng.NormFloat64()*stddev + mean
}

func (r *Rng) GaussianInt(mean, stddev float64) int64 {
	return int64(r.rng.NormFloat64()*stddev + mean)
}

// Duration returns a uniformly distributed duration in [min, max].
func (r *Rng) Duration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(r.rng.Int63n(int64(max-min)+1))
}

func (r *Rng) String(len int) string {
	var b strings.Builder
	for i := 0; i < len; i++ {
		b.WriteByte("abcdefghijklmnopqrstuvwxyz"[r.Int(0, 26)])
	}
	return b.String()
}

func (r *Rng) HexString(len int) string {
	var b strings.Builder
	for i := 0; i < len; i++ {
		b.WriteByte("0123456789abcdef"[r.Int(0, 16)])
	}
	return b.String()
}

func (r *Rng) WordPair() string {
	return r.Choice(adjectives) + "-" + r.Choice(nouns)
}

// BoolWithProb reports true p percent of the time.
func (r *Rng) BoolWithProb(p float64) bool {
	return r.Float(0, 100) < p
}

// Read fills p with random bytes; it lets an Rng feed uuid generation.
func (r *Rng) Read(p []byte) (int, error) {
	return r.rng.Read(p)
}

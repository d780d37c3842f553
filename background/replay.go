package background

// Replay is a seedable pseudorandom generator whose complete state is a single int64. Seed
// captures that state and WithSeed restores it, so a sequence of draws can be repeated after a
// rollback or a restart. Stressors and checkers both rely on drawing the same key sequence from
// the same seed.
type Replay struct {
	state uint64
}

func NewReplay(seed int64) *Replay {
	return &Replay{state: uint64(seed)}
}

func (r *Replay) Seed() int64 {
	return int64(r.state)
}

func (r *Replay) WithSeed(seed int64) *Replay {

	r.state = uint64(seed)
	return r

}

// Uint64 implements splitmix64.
func (r *Replay) Uint64() uint64 {

	r.state += 0x9e3779b97f4a7c15
	z := r.state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)

}

// Int63 returns a non-negative value.
func (r *Replay) Int63() int64 {
	return int64(r.Uint64() >> 1)
}

// Intn returns a value in [0, n). It panics if n <= 0.
func (r *Replay) Intn(n int) int {

	if n <= 0 {
		panic("invalid argument to Intn")
	}
	return int(r.Int63() % int64(n))

}

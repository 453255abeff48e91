package chunker

// gearSeed 固定不变：改动它会改变所有切点，已有仓库的块将无法复用
const gearSeed uint64 = 0

// gearTable 由 splitmix64(gearSeed) 依次生成的 256 个 64 位值，
// 保证不同机器、不同实现对同一输入得到相同的切点。
var gearTable = newGearTable(gearSeed)

func newGearTable(seed uint64) [256]uint64 {
	var t [256]uint64
	state := seed
	for i := range t {
		t[i] = splitmix64(&state)
	}
	return t
}

func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

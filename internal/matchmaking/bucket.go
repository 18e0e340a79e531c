package matchmaking

import (
	"fmt"
	"strings"
)

// Bucket 技能分組，數值相鄰代表實力相近
type Bucket int

const (
	BucketBeginner Bucket = iota
	BucketIntermediate
	BucketAdvanced
	BucketExpert
	BucketMaster
)

// Buckets 由低到高的所有分組
var Buckets = []Bucket{BucketBeginner, BucketIntermediate, BucketAdvanced, BucketExpert, BucketMaster}

var bucketNames = [...]string{"beginner", "intermediate", "advanced", "expert", "master"}

// 勝率修正需要的最少對局數
const minGamesForWinRate = 10

func (b Bucket) String() string {
	if b < BucketBeginner || b > BucketMaster {
		return fmt.Sprintf("bucket(%d)", int(b))
	}
	return bucketNames[b]
}

// MarshalText 讓分組在 JSON（含 map key）中以名稱呈現
func (b Bucket) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// UnmarshalText 解析分組名稱
func (b *Bucket) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range bucketNames {
		if n == name {
			*b = Bucket(i)
			return nil
		}
	}
	return fmt.Errorf("unknown skill bucket %q", text)
}

// BucketFor 由等級決定分組，對局數足夠時依勝率上下調整一級
//
//	等級 1-4 beginner、5-9 intermediate、10-19 advanced、20-34 expert、35+ master
//	勝率 >= 0.65 升一級，<= 0.35 降一級
func BucketFor(level int, winRate float64, gamesPlayed int) Bucket {
	var b Bucket
	switch {
	case level >= 35:
		b = BucketMaster
	case level >= 20:
		b = BucketExpert
	case level >= 10:
		b = BucketAdvanced
	case level >= 5:
		b = BucketIntermediate
	default:
		b = BucketBeginner
	}

	if gamesPlayed >= minGamesForWinRate {
		switch {
		case winRate >= 0.65 && b < BucketMaster:
			b++
		case winRate <= 0.35 && b > BucketBeginner:
			b--
		}
	}
	return b
}

func bucketDistance(a, b Bucket) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

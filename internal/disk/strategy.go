package disk

import (
	"fmt"
	"math/rand/v2"

	"github.com/arturkryukov/artsore/archive-node/internal/domain/model"
)

// Strategy выбирает том из непустого списка подходящих кандидатов.
type Strategy interface {
	Name() string
	Choose(candidates []*model.DiskRecord) *model.DiskRecord
}

// MostFree — том с наибольшим свободным местом. При равенстве
// выбирается лексикографически меньший disk_id, чтобы выбор был детерминированным.
type MostFree struct{}

func (MostFree) Name() string { return "most_free" }

func (MostFree) Choose(candidates []*model.DiskRecord) *model.DiskRecord {
	var best *model.DiskRecord
	for _, d := range candidates {
		if best == nil ||
			d.AvailableBytes > best.AvailableBytes ||
			(d.AvailableBytes == best.AvailableBytes && d.DiskID < best.DiskID) {
			best = d
		}
	}
	return best
}

// Random — равновероятный выбор среди кандидатов.
type Random struct{}

func (Random) Name() string { return "random" }

func (Random) Choose(candidates []*model.DiskRecord) *model.DiskRecord {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.IntN(len(candidates))]
}

// ParseStrategy возвращает стратегию по имени (AN_ALLOCATION_STRATEGY).
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "most_free":
		return MostFree{}, nil
	case "random":
		return Random{}, nil
	default:
		return nil, fmt.Errorf("неизвестная стратегия выбора тома: %q (допустимо: most_free, random)", name)
	}
}

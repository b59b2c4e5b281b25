package services

import (
	"errors"
	"math"
	"math/bits"
	"sort"

	"giveaway/internal/models"
)

var (
	ErrEmptyPool       = errors.New("weighted selection from an empty pool")
	ErrZeroTotalWeight = errors.New("weighted selection with zero total weight")
	ErrNegativeWeight  = errors.New("weighted selection with a negative weight")
	ErrInvalidWeight   = errors.New("prize weight is not a finite number")
	ErrWeightOverflow  = errors.New("scaled prize weight does not fit in int64")
)

// SelectWeighted picks an index of pool with probability proportional to
// weightOf. Ties resolve to the earliest item in pool order.
func SelectWeighted[T any](pool []T, weightOf func(T) (int64, error), rng RandomSource) (int, error) {
	if len(pool) == 0 {
		return 0, ErrEmptyPool
	}

	boundaries := make([]int64, len(pool))
	var total int64
	for i, item := range pool {
		w, err := weightOf(item)
		if err != nil {
			return 0, err
		}
		if w < 0 {
			return 0, ErrNegativeWeight
		}
		if w > math.MaxInt64-total {
			return 0, ErrWeightOverflow
		}
		total += w
		boundaries[i] = total
	}
	if total == 0 {
		return 0, ErrZeroTotalWeight
	}

	var target int64
	if f := math.Floor(rng.Float64() * float64(total)); f >= float64(total) {
		target = total - 1
	} else if f > 0 {
		target = int64(f)
	}

	return sort.Search(len(boundaries), func(i int) bool {
		return boundaries[i] > target
	}), nil
}

// PrizeWeight scales a prize's weight to an integer share proportional to
// both its weight and its remaining stock.
func PrizeWeight(p *models.Prize) (int64, error) {
	if math.IsNaN(p.Weight) || math.IsInf(p.Weight, 0) {
		return 0, ErrInvalidWeight
	}
	if p.CurrentStock <= 0 || p.Weight <= 0 {
		return 0, nil
	}

	scaled := math.Floor(p.Weight * 100)
	if scaled >= math.MaxInt64 {
		return 0, ErrWeightOverflow
	}
	hi, lo := bits.Mul64(uint64(scaled), uint64(p.CurrentStock))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, ErrWeightOverflow
	}
	return int64(lo), nil
}

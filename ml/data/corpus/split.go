// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package corpus

import (
	"math"
	"math/rand/v2"
	"slices"
)

// newRand returns the random number generator used for all corpus decisions.
func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), 0x5eed))
}

// groupByClass returns the samples of each class, preserving their order.
func groupByClass(samples []Sample, numClasses int) [][]Sample {
	groups := make([][]Sample, numClasses)
	for _, s := range samples {
		groups[s.Class] = append(groups[s.Class], s)
	}
	return groups
}

// trainCount returns how many of n samples of a class go to the training split.
//
// Classes with at least 2 samples always get at least one sample in each split.
func trainCount(n int, ratio float64) int {
	nTrain := int(math.Round(float64(n) * ratio))
	if n >= 2 {
		nTrain = min(max(nTrain, 1), n-1)
	}
	return min(max(nTrain, 0), n)
}

// StratifiedSplit partitions the samples into training and validation splits, class by class,
// so each class keeps close to ratio of its samples for training.
//
// The result depends only on the order of samples and the seed.
func StratifiedSplit(samples []Sample, numClasses int, ratio float64, seed int64) (train, validation []Sample) {
	rng := newRand(seed)
	for _, group := range groupByClass(samples, numClasses) {
		group = slices.Clone(group)
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
		nTrain := trainCount(len(group), ratio)
		train = append(train, group[:nTrain]...)
		validation = append(validation, group[nTrain:]...)
	}
	rng.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	rng.Shuffle(len(validation), func(i, j int) { validation[i], validation[j] = validation[j], validation[i] })
	return
}

// Oversample repeats the samples of the under-represented classes cyclically, in their original order,
// until every class that has samples reaches the count of the largest class.
//
// Samples already balanced are returned unchanged (as a copy), so Oversample is idempotent.
func Oversample(samples []Sample, numClasses int) []Sample {
	groups := groupByClass(samples, numClasses)
	maxCount := 0
	for _, group := range groups {
		maxCount = max(maxCount, len(group))
	}
	balanced := slices.Clone(samples)
	for _, group := range groups {
		for i := len(group); len(group) > 0 && i < maxCount; i++ {
			balanced = append(balanced, group[i%len(group)])
		}
	}
	return balanced
}

// ClassWeights returns total/(K*count[c]) for each class c with count[c] > 0, where K is len(counts).
// Classes without samples are left out.
func ClassWeights(counts []int) map[int]float64 {
	total := 0
	for _, count := range counts {
		total += count
	}
	weights := make(map[int]float64, len(counts))
	for class, count := range counts {
		if count > 0 {
			weights[class] = float64(total) / float64(len(counts)*count)
		}
	}
	return weights
}

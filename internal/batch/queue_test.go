package batch

import (
	"errors"
	"math/rand"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"cifar-forge/internal/augment"
)

func example(i int) Example {
	img := augment.New(2, 2, 3)
	for j := range img.Data {
		img.Data[j] = float32(i)
	}
	return Example{Key: strconv.Itoa(i), Label: int32(i % 20), Image: img}
}

func TestOrderedQueuePreservesUpstreamOrder(t *testing.T) {
	q, err := NewQueue(Options{Capacity: 16})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	const total = 100
	var next int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()
	defer q.Close()
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				seq := next
				next++
				mu.Unlock()
				if seq >= total {
					return
				}
				// simulate uneven preprocessing time
				time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)
				if err := q.Put(seq, example(int(seq))); err != nil {
					if !errors.Is(err, ErrClosed) {
						t.Errorf("Put(%d): %v", seq, err)
					}
					return
				}
			}
		}()
	}

	var keys []string
	for len(keys) < total {
		b, err := q.DequeueBatch(10)
		if err != nil {
			t.Fatalf("DequeueBatch: %v", err)
		}
		keys = append(keys, b.Keys...)
	}
	wg.Wait()
	for i, k := range keys {
		if k != strconv.Itoa(i) {
			t.Fatalf("position %d holds %s", i, k)
		}
	}
}

func TestShuffledQueueWaitsForMixingBuffer(t *testing.T) {
	q, err := NewQueue(Options{Capacity: 20, MinAfterDequeue: 10, Shuffle: true, Rand: rand.New(rand.NewSource(1))})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	for i := 0; i < 14; i++ {
		if err := q.Put(0, example(i)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	got := make(chan Batch, 1)
	go func() {
		b, err := q.DequeueBatch(5)
		if err != nil {
			t.Errorf("DequeueBatch: %v", err)
		}
		got <- b
	}()
	select {
	case <-got:
		t.Fatal("batch released before min buffer + batch size were queued")
	case <-time.After(50 * time.Millisecond):
	}
	if err := q.Put(0, example(14)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	select {
	case b := <-got:
		if b.Size != 5 {
			t.Fatalf("batch size %d", b.Size)
		}
	case <-time.After(time.Second):
		t.Fatal("batch not released")
	}
	if q.Len() != 10 {
		t.Fatalf("Len=%d want 10", q.Len())
	}
}

func TestShuffledQueueMixesAndKeepsEveryExample(t *testing.T) {
	q, err := NewQueue(Options{Capacity: 64, MinAfterDequeue: 0, Shuffle: true, Rand: rand.New(rand.NewSource(2))})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	for i := 0; i < 64; i++ {
		if err := q.Put(0, example(i)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	b, err := q.DequeueBatch(64)
	if err != nil {
		t.Fatalf("DequeueBatch: %v", err)
	}
	sorted := append([]string(nil), b.Keys...)
	sort.Slice(sorted, func(i, j int) bool {
		a, _ := strconv.Atoi(sorted[i])
		c, _ := strconv.Atoi(sorted[j])
		return a < c
	})
	for i, k := range sorted {
		if k != strconv.Itoa(i) {
			t.Fatalf("missing example %d", i)
		}
	}
	if reflect.DeepEqual(sorted, b.Keys) {
		t.Fatal("shuffled batch came out in insertion order")
	}
}

func TestCloseUnblocksAndDrains(t *testing.T) {
	q, err := NewQueue(Options{Capacity: 4})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := q.Put(int64(i), example(i)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	blocked := make(chan error, 1)
	go func() { blocked <- q.Put(4, example(4)) }()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	if err := <-blocked; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from blocked Put, got %v", err)
	}
	b, err := q.DequeueBatch(3)
	if err != nil {
		t.Fatalf("drain after close: %v", err)
	}
	if b.Keys[0] != "0" || b.Keys[2] != "2" {
		t.Fatalf("unexpected drained keys %v", b.Keys)
	}
	if _, err := q.DequeueBatch(3); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestNewQueueRejectsUnsatisfiableMinimum(t *testing.T) {
	if _, err := NewQueue(Options{Capacity: 10, MinAfterDequeue: 10, Shuffle: true}); err == nil {
		t.Fatal("expected error")
	}
	q, _ := NewQueue(Options{Capacity: 10, MinAfterDequeue: 8, Shuffle: true})
	if _, err := q.DequeueBatch(5); err == nil {
		t.Fatal("expected error for batch that can never be released")
	}
	ordered, _ := NewQueue(Options{Capacity: 8})
	if _, err := ordered.DequeueBatch(10); err == nil {
		t.Fatal("expected error for batch larger than capacity")
	}
}

func TestMinQueueExamples(t *testing.T) {
	cases := map[int]int{45000: 18000, 5000: 2000, 10000: 4000, 7: 3, 1: 1}
	for n, want := range cases {
		if got := MinQueueExamples(n, 0.4); got != want {
			t.Fatalf("MinQueueExamples(%d)=%d want %d", n, got, want)
		}
	}
	if got := DefaultCapacity(4000, 128); got != 4384 {
		t.Fatalf("DefaultCapacity=%d", got)
	}
}

func TestNumBatches(t *testing.T) {
	if got := NumBatches(10000, 128); got != 79 {
		t.Fatalf("NumBatches=%d want 79", got)
	}
	if got := NumBatches(256, 128); got != 2 {
		t.Fatalf("NumBatches=%d want 2", got)
	}
}

func TestBatchTensors(t *testing.T) {
	b := NewBatch([]Example{example(1), example(2), example(3)})
	images, labels := b.Tensors()
	if !reflect.DeepEqual(images.Shape().Dimensions, []int{3, 2, 2, 3}) {
		t.Fatalf("image dims %v", images.Shape().Dimensions)
	}
	if !reflect.DeepEqual(labels.Shape().Dimensions, []int{3}) {
		t.Fatalf("label dims %v", labels.Shape().Dimensions)
	}
	if got := b.Image(1)[0]; got != 2 {
		t.Fatalf("Image(1)[0]=%v want 2", got)
	}
}

package lfmap

import (
	"fmt"
	"sync/atomic"
	"testing"
)

func BenchmarkMapFind(b *testing.B) {
	m := NewHashMap[uint64, uint64]()

	n := uint64(65536) * 4

	for i := uint64(0); i < n; i++ {
		m.Insert(i, i*i)
	}
	c := atomic.Uint64{}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		x := c.Add(1)
		for pb.Next() {
			key := x % n
			m.Find(key)
			x++
		}
	})
}

func BenchmarkMapInsert(b *testing.B) {
	m := NewHashMap[uint64, uint64]()
	c := atomic.Uint64{}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		x := c.Add(1)
		for pb.Next() {
			m.Insert(x, x*x)
			x++
		}
	})
}

func TestRunMillion(t *testing.T) {
	n := 1_000_000 * 1

	m := NewHashMap[string, int]()
	m.Insert("key", 123)

	ex := Executor{fake: false}

	t.Log("at start, table is", m.BucketCount(), "buckets wide")
	t.Log("running", n, "inserts")

	for i := 0; i < n; i++ {
		i := i
		ex.Go(func() {
			key := fmt.Sprint(i)
			val := i
			m.Insert(key, val)
			v, ok := m.Find(key)
			if !ok || v != val {
				t.Error("missing", key, ok, v, "expected", val)
			}
		})
	}

	t.Log("waiting on inserts")
	ex.Wait()

	t.Log("inserts done, table now", m.BucketCount(), "buckets wide")
	t.Log("running", n, "updates")

	ex = Executor{fake: false}

	for i := 0; i < n; i++ {
		i := i
		ex.Go(func() {
			key := fmt.Sprint(i)
			val := i - 1
			m.Insert(key, val)
			v, ok := m.Find(key)
			if !ok || v != val {
				t.Error("missing", key, ok, v, "expected", val)
			}
		})
	}
	t.Log("waiting on updates")
	ex.Wait()

	t.Log("updates done, table now", m.BucketCount(), "buckets wide")
	t.Log("running", n, "deletes")

	ex = Executor{fake: false}

	for i := 0; i < n; i++ {
		i := i
		ex.Go(func() {
			key := fmt.Sprint(i)
			m.Delete(key)
		})
	}
	t.Log("waiting on deletes")
	ex.Wait()

	t.Log("deletes done, table now", m.BucketCount(), "buckets wide")
	t.Log("running", n, "lookups")

	ex = Executor{fake: false}

	for i := 0; i < n; i++ {
		i := i
		ex.Go(func() {
			key := fmt.Sprint(i)
			val, ok := m.Find(key)
			if ok {
				t.Error("deleted key", key, "has value", val)
			}
		})
	}
	t.Log("waiting on lookups")
	ex.Wait()

	t.Log("lookups done, table now", m.BucketCount(), "buckets wide, size", m.Size())

	if m.Size() != 1 {
		t.Fatal("expected only the sentinel key left, size is", m.Size())
	}

	m.Close()
}

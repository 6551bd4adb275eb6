package lfmap

import (
	"fmt"
	"sync"
	"testing"
)

// t.Log(...)   / t.Logf("%v", v),     log message
// t.Error(...) / t.Errorf("", ..),  mark fail and continue
// t.Fatal(...) / t.Fatalf("", ..),  mark fail, exit

type Executor struct {
	fake bool
	wg   sync.WaitGroup
}

func (e *Executor) Wait() {
	if e.fake {
		return
	}
	e.wg.Wait()
}

func (e *Executor) Go(f func()) {
	if e.fake {
		f()
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f()
	}()
}

func TestMapInsertFind(t *testing.T) {
	var ok bool
	var v int

	m := NewHashMap[string, int]()

	m.Insert("key", 123)
	v, ok = m.Find("key")
	if !ok {
		t.Fatal("missing")
	} else if v != 123 {
		t.Fatal("wrong", v)
	} else {
		t.Logf("lookup: %v", v)
	}
}

func TestMapDelete(t *testing.T) {
	var ok bool
	var v int

	m := NewHashMap[string, int]()

	m.Insert("key", 123)
	v, ok = m.Find("key")
	if !ok {
		t.Fatal("missing")
	} else if v != 123 {
		t.Fatal("wrong", v)
	} else {
		t.Logf("lookup: %v", v)
	}

	m.Delete("key")

	v, ok = m.Find("key")
	if ok {
		t.Fatal("deleted key has value", v)
	} else {
		t.Logf("deleted")
	}
}

func TestMapLoadOrStoreDelete(t *testing.T) {
	var ok bool
	var v int

	m := NewHashMap[string, int]()

	m.Insert("key", 456)

	v, ok = m.LoadOrStore("key", 789)
	if !ok {
		t.Fatal("missing")
	} else if v != 456 {
		t.Fatal("wrong", v)
	} else {
		t.Logf("load or store: %v", v)
	}

	v, ok = m.LoadAndDelete("key")
	if !ok {
		t.Fatal("missing")
	} else if v != 456 {
		t.Fatal("wrong", v)
	} else {
		t.Logf("load and delete: %v", v)
	}

	v, ok = m.Find("key")
	if ok {
		t.Fatal("not deleted", v)
	} else {
		t.Logf("deleted")
	}

	v, ok = m.LoadOrStore("key", 789)
	if ok {
		t.Fatal("should have been empty")
	} else {
		t.Logf("load or store: %v", v)
	}
}

func TestMapSwapCompareAndSwap(t *testing.T) {
	var ok bool
	var v int

	m := NewHashMap[string, int]()

	m.Insert("key", 789)

	v, ok = m.Swap("key", 101112)
	if !ok {
		t.Fatal("missing")
	} else if v != 789 {
		t.Fatal("wrong", v)
	} else {
		t.Logf("swap: %v", v)
	}

	ok = m.CompareAndDelete("key", 101112)
	if !ok {
		t.Fatal("failed to delete")
	} else {
		t.Logf("compare and delete")
	}

	v, ok = m.Swap("key", 131415)
	if ok {
		t.Fatal("empty key has value")
	} else {
		t.Logf("swap %v", v)
	}

	ok = m.CompareAndSwap("key", 131415, 161718)
	if !ok {
		t.Fatal("missing")
	} else {
		t.Logf("compare and swap")
	}

	ok = m.CompareAndDelete("key", 161718)
	if !ok {
		t.Fatal("missing")
	} else {
		t.Logf("compare and delete")
	}
}

func TestMapRange(t *testing.T) {
	m := NewHashMap[string, int]()

	for i := 0; i < 16; i++ {
		key := fmt.Sprint(i)
		m.Insert(key, i*i)
		_, ok := m.Find(key)
		if !ok {
			t.Fatal("missing", key)
		}
	}

	count := 0

	m.Range(func(key string, value int) bool {
		count += 1
		t.Log("saw", key, value)
		return true
	})

	if count != 16 {
		t.Fatal("missing keys, saw", count)
	}
}

func TestMapRangeEarlyStop(t *testing.T) {
	m := NewHashMap[string, int]()

	for i := 0; i < 16; i++ {
		m.Insert(fmt.Sprint(i), i)
	}

	count := 0
	m.Range(func(key string, value int) bool {
		count++
		return count < 4
	})

	if count != 4 {
		t.Fatal("range did not stop early, saw", count)
	}
}

func TestMapGrows(t *testing.T) {
	m := NewHashMap[string, int]()

	start := m.BucketCount()
	t.Log("starting bucket count", start)

	for i := 0; i < 4096; i++ {
		m.Insert(fmt.Sprint(i), i)
	}

	grown := m.BucketCount()
	t.Log("bucket count after 4096 inserts", grown)

	if grown <= start {
		t.Fatal("table never grew past", start)
	}
	if m.Size() != 4096 {
		t.Fatal("wrong size", m.Size())
	}
}

func TestRun(t *testing.T) {
	n := 1_000_000 * 2

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

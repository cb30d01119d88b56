package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGrowable_BasicSendReceive(t *testing.T) {
	buf := New[int](10, 0)

	for i := 0; i < 5; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}

	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}

	for i := 0; i < 5; i++ {
		val, ok := buf.TryReceive()
		if !ok {
			t.Fatalf("TryReceive() returned false for item %d", i)
		}
		if val != i {
			t.Errorf("received %d, want %d", val, i)
		}
	}

	if buf.Len() != 0 {
		t.Errorf("Len() = %d, want 0", buf.Len())
	}
}

func TestGrowable_GrowAt70Percent(t *testing.T) {
	buf := New[int](10, 0)

	for i := 0; i < 7; i++ {
		buf.Send(i)
	}

	stats := buf.Stats()
	if stats.Capacity <= 10 {
		t.Errorf("Capacity = %d, expected growth after 70%% fill", stats.Capacity)
	}
	if stats.ResizeCount != 1 {
		t.Errorf("ResizeCount = %d, want 1", stats.ResizeCount)
	}

	for i := 0; i < 7; i++ {
		val, ok := buf.TryReceive()
		if !ok || val != i {
			t.Fatalf("TryReceive() = %d, %v; want %d, true", val, ok, i)
		}
	}
}

func TestGrowable_MultipleGrows(t *testing.T) {
	buf := New[int](4, 0)

	for i := 0; i < 100; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}

	stats := buf.Stats()
	if stats.Count != 100 {
		t.Errorf("Count = %d, want 100", stats.Count)
	}
	if stats.ResizeCount < 3 {
		t.Errorf("ResizeCount = %d, expected at least 3 resizes", stats.ResizeCount)
	}

	for i := 0; i < 100; i++ {
		val, ok := buf.TryReceive()
		if !ok || val != i {
			t.Fatalf("TryReceive() = %d, %v; want %d, true", val, ok, i)
		}
	}
}

func TestGrowable_LimitDropsOldest(t *testing.T) {
	buf := New[int](2, 3)

	for i := 1; i <= 5; i++ {
		if !buf.Send(i) {
			t.Fatalf("Send(%d) returned false", i)
		}
	}

	stats := buf.Stats()
	if stats.Count != 3 {
		t.Errorf("Count = %d, want 3", stats.Count)
	}
	if stats.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", stats.Dropped)
	}
	if stats.TotalReceived != 5 {
		t.Errorf("TotalReceived = %d, want 5", stats.TotalReceived)
	}
	if stats.TotalSent != 0 {
		t.Errorf("TotalSent = %d, want 0 (drops are not deliveries)", stats.TotalSent)
	}

	got := buf.DrainTo(0)
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("DrainTo(0) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestGrowable_BlockingReceive(t *testing.T) {
	buf := New[int](10, 0)

	received := make(chan int, 1)
	go func() {
		val, err := buf.Receive(context.Background())
		if err == nil {
			received <- val
		}
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Send(42)

	select {
	case val := <-received:
		if val != 42 {
			t.Errorf("received %d, want 42", val)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for blocked receive")
	}
}

func TestGrowable_ReceiveHonorsContext(t *testing.T) {
	buf := New[int](10, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := buf.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestGrowable_Close(t *testing.T) {
	buf := New[int](10, 0)

	buf.Send(1)
	buf.Send(2)
	buf.Close()
	buf.Close() // idempotent

	if buf.Send(3) {
		t.Error("Send should return false after Close")
	}

	ctx := context.Background()
	for _, want := range []int{1, 2} {
		val, err := buf.Receive(ctx)
		if err != nil || val != want {
			t.Errorf("Receive() = %d, %v; want %d, nil", val, err, want)
		}
	}

	if _, err := buf.Receive(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive() error = %v, want ErrClosed", err)
	}
}

func TestGrowable_CloseUnblocksReceive(t *testing.T) {
	buf := New[int](10, 0)

	done := make(chan error, 1)
	go func() {
		_, err := buf.Receive(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	buf.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Receive() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Receive")
	}
}

func TestGrowable_DrainTo(t *testing.T) {
	buf := New[int](10, 0)

	for i := 0; i < 10; i++ {
		buf.Send(i)
	}

	items := buf.DrainTo(5)
	if len(items) != 5 {
		t.Errorf("DrainTo(5) returned %d items, want 5", len(items))
	}
	for i, val := range items {
		if val != i {
			t.Errorf("items[%d] = %d, want %d", i, val, i)
		}
	}

	if buf.Len() != 5 {
		t.Errorf("Len() = %d, want 5", buf.Len())
	}

	items = buf.DrainTo(0)
	if len(items) != 5 {
		t.Errorf("DrainTo(0) returned %d items, want 5", len(items))
	}
	if buf.DrainTo(0) != nil {
		t.Error("DrainTo on empty buffer should return nil")
	}
}

func TestGrowable_ReceiveBatch(t *testing.T) {
	buf := New[string](4, 0)
	ctx := context.Background()

	go func() {
		time.Sleep(10 * time.Millisecond)
		buf.Send("a")
	}()

	items, err := buf.ReceiveBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ReceiveBatch() error = %v", err)
	}
	if len(items) != 1 || items[0] != "a" {
		t.Errorf("ReceiveBatch() = %v, want [a]", items)
	}

	buf.Send("b")
	buf.Send("c")
	buf.Send("d")
	items, err = buf.ReceiveBatch(ctx, 2)
	if err != nil {
		t.Fatalf("ReceiveBatch() error = %v", err)
	}
	if len(items) != 2 || items[0] != "b" || items[1] != "c" {
		t.Errorf("ReceiveBatch(2) = %v, want [b c]", items)
	}

	buf.Close()
	items, err = buf.ReceiveBatch(ctx, 0)
	if err != nil || len(items) != 1 || items[0] != "d" {
		t.Errorf("ReceiveBatch after Close = %v, %v; want [d], nil", items, err)
	}
	if _, err := buf.ReceiveBatch(ctx, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("ReceiveBatch on drained buffer error = %v, want ErrClosed", err)
	}
}

func TestGrowable_ConcurrentSendReceive(t *testing.T) {
	buf := New[int](10, 0)
	const numItems = 1000
	ctx := context.Background()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < numItems; i++ {
			buf.Send(i)
		}
	}()

	received := make([]int, 0, numItems)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for len(received) < numItems {
			val, err := buf.Receive(ctx)
			if err != nil {
				return
			}
			received = append(received, val)
		}
	}()

	wg.Wait()

	if len(received) != numItems {
		t.Fatalf("received %d items, want %d", len(received), numItems)
	}
	for i, val := range received {
		if val != i {
			t.Fatalf("received[%d] = %d, want %d", i, val, i)
		}
	}
}

func TestGrowable_WrapAround(t *testing.T) {
	buf := New[int](5, 0)

	buf.Send(1)
	buf.Send(2)
	buf.Send(3)

	buf.TryReceive()
	buf.TryReceive()

	buf.Send(4)
	buf.Send(5)
	buf.Send(6)
	buf.Send(7)
	buf.Send(8)

	for _, want := range []int{3, 4, 5, 6, 7, 8} {
		got, ok := buf.TryReceive()
		if !ok {
			t.Fatalf("TryReceive failed, expected %d", want)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestNew_MinCapacity(t *testing.T) {
	if got := New[int](0, 0).Cap(); got != 1 {
		t.Errorf("Cap() = %d, want 1 for initial capacity 0", got)
	}
	if got := New[int](-5, -1).Cap(); got != 1 {
		t.Errorf("Cap() = %d, want 1 for negative initial capacity", got)
	}
}

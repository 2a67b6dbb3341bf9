// Copyright 2020 PingCAP, Inc. Licensed under Apache-2.0.

package stream_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudant-labs/couchbackup/pkg/stream"
)

func collectInts(ch <-chan int) []int {
	var out []int
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func TestBatchFlushesPartialFinalBatch(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	go func() {
		defer close(in)
		for i := 0; i < 7; i++ {
			in <- i
		}
	}()

	var got [][]int
	for b := range stream.Batch(ctx, in, 3) {
		got = append(got, b)
	}

	require.Len(t, got, 3)
	assert.Equal(t, []int{0, 1, 2}, got[0])
	assert.Equal(t, []int{3, 4, 5}, got[1])
	assert.Equal(t, []int{6}, got[2])
}

func TestBatchOfOneBufferSizeIsOneLinePerDoc(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	go func() {
		defer close(in)
		in <- 1
		in <- 2
	}()
	got := [][]int{}
	for b := range stream.Batch(ctx, in, 1) {
		got = append(got, b)
	}
	assert.Equal(t, [][]int{{1}, {2}}, got)
}

func TestSplitInvertsBatch(t *testing.T) {
	ctx := context.Background()
	in := make(chan []int)
	go func() {
		defer close(in)
		in <- []int{1, 2}
		in <- []int{3}
	}()
	got := collectInts(stream.Split(ctx, in))
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestMapSequentialPreservesOrder(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	go func() {
		defer close(in)
		for i := 0; i < 5; i++ {
			in <- i
		}
	}()
	out, errCh := stream.Map(ctx, in, 1, func(_ context.Context, v int) (int, error) {
		return v * 2, nil
	})
	got := collectInts(out)
	require.NoError(t, drain(errCh))
	assert.Equal(t, []int{0, 2, 4, 6, 8}, got)
}

func TestMapConcurrentVisitsEveryElement(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	go func() {
		defer close(in)
		for i := 0; i < 20; i++ {
			in <- i
		}
	}()
	out, errCh := stream.Map(ctx, in, 4, func(_ context.Context, v int) (int, error) {
		return v, nil
	})
	got := collectInts(out)
	require.NoError(t, drain(errCh))
	sort.Ints(got)
	want := make([]int, 20)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
}

func TestMapAbortsOnFirstError(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	go func() {
		defer close(in)
		for i := 0; i < 10; i++ {
			in <- i
		}
	}()
	boom := errors.New("boom")
	out, errCh := stream.Map(ctx, in, 2, func(_ context.Context, v int) (int, error) {
		if v == 3 {
			return 0, boom
		}
		return v, nil
	})
	for range out {
		// drain without asserting on partial results; concurrency means
		// some successes before the error may still be delivered.
	}
	err := drain(errCh)
	require.Error(t, err)
	assert.Equal(t, boom, err)
}

func TestFilterDropsNonMatching(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	go func() {
		defer close(in)
		for i := 0; i < 6; i++ {
			in <- i
		}
	}()
	got := collectInts(stream.Filter(ctx, in, func(v int) bool { return v%2 == 0 }))
	assert.Equal(t, []int{0, 2, 4}, got)
}

func TestSideEffectPassesThroughAndRunsFn(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	go func() {
		defer close(in)
		in <- 1
		in <- 2
	}()
	var seen []int
	out, errCh := stream.SideEffect(ctx, in, func(_ context.Context, v int) error {
		seen = append(seen, v)
		return nil
	})
	got := collectInts(out)
	require.NoError(t, drain(errCh))
	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestSideEffectAbortsOnError(t *testing.T) {
	ctx := context.Background()
	in := make(chan int)
	go func() {
		defer close(in)
		in <- 1
		in <- 2
	}()
	boom := errors.New("boom")
	out, errCh := stream.SideEffect(ctx, in, func(_ context.Context, v int) error {
		if v == 2 {
			return boom
		}
		return nil
	})
	got := collectInts(out)
	assert.Equal(t, []int{1}, got)
	require.Error(t, drain(errCh))
}

func TestSplitLinesSplitsOnNewlineOnly(t *testing.T) {
	ctx := context.Background()
	r := strings.NewReader("one\ntwo\nthree")
	var lines []string
	for res := range stream.SplitLines(ctx, r, false) {
		require.NoError(t, res.Err)
		lines = append(lines, res.Line.Text)
	}
	assert.Equal(t, []string{"one", "two", "three"}, lines)
}

func TestSplitLinesNumbersFromOne(t *testing.T) {
	ctx := context.Background()
	r := strings.NewReader("a\nb\n")
	var numbers []int
	for res := range stream.SplitLines(ctx, r, false) {
		require.NoError(t, res.Err)
		numbers = append(numbers, res.Line.Number)
	}
	assert.Equal(t, []int{1, 2}, numbers)
}

func TestDelegateWritableTransformsAndTracksWrites(t *testing.T) {
	var sink bytes.Buffer
	var written []int
	d := &stream.DelegateWritable{
		Sink: &sink,
		Transform: func(p []byte) ([]byte, error) {
			return bytes.ToUpper(p), nil
		},
		EndMarker: []byte("EOF"),
		OnWritten: func(n int) { written = append(written, n) },
	}

	n, err := d.Write([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = d.Write([]byte("cde"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, d.Close())
	assert.Equal(t, "ABCDEEOF", sink.String())
	assert.Equal(t, []int{2, 3}, written)
}

func TestDelegateWritableTransformErrorPropagates(t *testing.T) {
	var sink bytes.Buffer
	boom := errors.New("boom")
	d := &stream.DelegateWritable{
		Sink: &sink,
		Transform: func(p []byte) ([]byte, error) {
			return nil, boom
		},
	}
	_, err := d.Write([]byte("x"))
	assert.Equal(t, boom, err)
	assert.Empty(t, sink.String())
}

func TestWritableWithPassThroughTeesToReader(t *testing.T) {
	var sink bytes.Buffer
	w := stream.NewWritableWithPassThrough(&sink)

	readDone := make(chan []byte, 1)
	go func() {
		got, _ := io.ReadAll(w.Reader())
		readDone <- got
	}()

	_, err := w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	assert.Equal(t, "hello world", sink.String())
	assert.Equal(t, []byte("hello world"), <-readDone)
}

func drain(errCh <-chan error) error {
	var err error
	for e := range errCh {
		if e != nil {
			err = e
		}
	}
	return err
}

package main

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

const payloadPrefix = "udpping-"

// Result summarises one ping run. Replies are matched by payload, so order
// across workers does not matter.
type Result struct {
	Sent     int
	Received []int
	Missing  []int
	Elapsed  time.Duration
}

func payload(seq int) []byte {
	return []byte(payloadPrefix + strconv.Itoa(seq))
}

func parseSeq(b []byte) (int, bool) {
	s, ok := strings.CutPrefix(string(b), payloadPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func ping(addr string, count int, timeout time.Duration) (Result, error) {
	if count < 1 {
		return Result{}, fmt.Errorf("count must be at least 1")
	}
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return Result{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	start := time.Now()
	for seq := 0; seq < count; seq++ {
		if _, err := conn.Write(payload(seq)); err != nil {
			return Result{}, fmt.Errorf("send %d: %w", seq, err)
		}
	}

	seen := make(map[int]bool, count)
	buf := make([]byte, 2048)
	deadline := start.Add(timeout)
	for len(seen) < count {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return Result{}, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				break
			}
			return Result{}, fmt.Errorf("receive: %w", err)
		}
		if seq, ok := parseSeq(buf[:n]); ok && seq < count {
			seen[seq] = true
		}
	}

	res := Result{Sent: count, Elapsed: time.Since(start)}
	for seq := 0; seq < count; seq++ {
		if seen[seq] {
			res.Received = append(res.Received, seq)
		} else {
			res.Missing = append(res.Missing, seq)
		}
	}
	sort.Ints(res.Received)
	return res, nil
}

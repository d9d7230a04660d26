package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

// Cursor walks a query result in ascending timestamp order. It is lazy and
// non-restartable: rows are decoded as Next advances, and a finished cursor
// cannot be rewound. A cursor is either raw (Sample per row) or bucketed
// (Bucket per row) depending on the resolution the query selected; Bucketed
// reports which.
type Cursor struct {
	rows       *sql.Rows
	instanceID string
	bucket     time.Duration
	sample     types.Sample
	agg        types.Bucket
	err        error
}

// Bucketed reports whether the cursor yields aggregate buckets rather than
// raw samples.
func (c *Cursor) Bucketed() bool {
	return c.bucket > 0
}

// Resolution returns the bucket width, or 0 for raw samples.
func (c *Cursor) Resolution() time.Duration {
	return c.bucket
}

// Next advances to the next row. It returns false at the end of the sequence
// or on error; check Err after the loop.
func (c *Cursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		if c.err == nil {
			c.err = c.rows.Err()
		}
		return false
	}
	if c.bucket > 0 {
		return c.scanBucket()
	}
	return c.scanSample()
}

func (c *Cursor) scanSample() bool {
	s, err := scanSample(c.rows, c.instanceID)
	if err != nil {
		c.err = err
		return false
	}
	c.sample = s
	return true
}

func (c *Cursor) scanBucket() bool {
	var (
		ts    int64
		count int
		b     types.Bucket
	)
	err := c.rows.Scan(&ts, &count,
		&b.CPUMin, &b.CPUMax, &b.CPUAvg,
		&b.MemMin, &b.MemMax, &b.MemAvg,
		&b.GPUMin, &b.GPUMax, &b.GPUAvg,
	)
	if err != nil {
		c.err = fmt.Errorf("failed to scan bucket: %v", err)
		return false
	}
	b.Start = time.Unix(ts, 0).UTC()
	b.Width = c.bucket
	b.Count = count
	c.agg = b
	return true
}

// Sample returns the current row of a raw cursor.
func (c *Cursor) Sample() types.Sample {
	return c.sample
}

// Bucket returns the current row of a bucketed cursor.
func (c *Cursor) Bucket() types.Bucket {
	return c.agg
}

// Err returns the first error encountered while iterating.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the underlying rows. Always safe to defer.
func (c *Cursor) Close() error {
	return c.rows.Close()
}

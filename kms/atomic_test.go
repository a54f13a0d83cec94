package kms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicRequestEncodeGroupsPerObject(t *testing.T) {
	req := NewAtomicRequest()
	req.Add(31, 7, 100)
	req.Add(45, 9, 200)
	req.Add(31, 8, 300)
	req.Add(45, 3, 400)

	objs, props, values, counts := req.encode()

	require.Equal(t, []uint32{31, 45}, objs)
	require.Equal(t, []uint32{2, 2}, counts)
	assert.Equal(t, []uint32{7, 8, 9, 3}, props)
	assert.Equal(t, []uint64{100, 300, 200, 400}, values)
}

func TestAtomicRequestEncodeSortsProperties(t *testing.T) {
	req := NewAtomicRequest()
	req.Add(5, 30, 3)
	req.Add(5, 10, 1)
	req.Add(5, 20, 2)

	_, props, values, counts := req.encode()

	assert.Equal(t, []uint32{10, 20, 30}, props)
	assert.Equal(t, []uint64{1, 2, 3}, values)
	assert.Equal(t, []uint32{3}, counts)
}

func TestAtomicRequestLastWriteWins(t *testing.T) {
	req := NewAtomicRequest()
	req.Add(5, 10, 1)
	req.Add(5, 10, 2)
	req.Add(5, 10, 3)

	objs, props, values, counts := req.encode()

	require.Equal(t, []uint32{5}, objs)
	require.Equal(t, []uint32{10}, props)
	assert.Equal(t, []uint64{3}, values)
	assert.Equal(t, []uint32{1}, counts)
	assert.Equal(t, 1, req.Len())
}

func TestAtomicRequestEmpty(t *testing.T) {
	req := NewAtomicRequest()
	objs, props, values, counts := req.encode()
	assert.Nil(t, objs)
	assert.Nil(t, props)
	assert.Nil(t, values)
	assert.Nil(t, counts)
	assert.Zero(t, req.Len())
}

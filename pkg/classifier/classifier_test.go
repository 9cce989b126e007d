package classifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyErrorCode_KnownSyntaxError(t *testing.T) {
	c := New(nil)
	cl := c.ClassifyErrorCode(1)
	assert.Equal(t, KindSyntaxError, cl.Kind)
	assert.False(t, cl.Retryable)
	assert.Greater(t, cl.Confidence, 0.0)
}

func TestClassifyErrorCode_StateErrorIsRetryable(t *testing.T) {
	c := New(nil)
	cl := c.ClassifyErrorCode(8)
	assert.Equal(t, KindStateError, cl.Kind)
	assert.True(t, cl.Retryable)
}

func TestClassifyErrorCode_Unknown(t *testing.T) {
	c := New(nil)
	cl := c.ClassifyErrorCode(9999)
	assert.Equal(t, KindUnclassified, cl.Kind)
	assert.False(t, cl.Retryable)
}

func TestClassifyAlarmCode_HardLimitIsCriticalAndNonRetryable(t *testing.T) {
	c := New(nil)
	cl := c.ClassifyAlarmCode(1)
	assert.Equal(t, KindHardLimit, cl.Kind)
	assert.Equal(t, SeverityCritical, cl.Severity)
	assert.False(t, cl.Retryable)
}

func TestClassifyAlarmCode_HomingFailureIsRetryable(t *testing.T) {
	c := New(nil)
	cl := c.ClassifyAlarmCode(6)
	assert.Equal(t, KindHomingError, cl.Kind)
	assert.True(t, cl.Retryable)
}

func TestClassify_HeuristicTimeout(t *testing.T) {
	c := New(nil)
	cl := c.Classify(errors.New("operation timeout waiting for ack"))
	assert.Equal(t, KindTimeout, cl.Kind)
	assert.True(t, cl.Retryable)
}

func TestClassify_HeuristicHardLimitText(t *testing.T) {
	c := New(nil)
	cl := c.Classify(errors.New("hard limit triggered on X axis"))
	assert.Equal(t, KindHardLimit, cl.Kind)
	assert.False(t, cl.Retryable)
}

func TestStore_ConfidenceIncreasesOnRecurrence(t *testing.T) {
	c := New(NewStore(10))
	first := c.ClassifyErrorCode(1)
	second := c.ClassifyErrorCode(1)
	third := c.ClassifyErrorCode(1)
	assert.Less(t, first.Confidence, second.Confidence)
	assert.Less(t, second.Confidence, third.Confidence)
}

func TestStore_EvictsLeastFrequentAtCapacity(t *testing.T) {
	store := NewStore(2)
	c := New(store)

	// error:1 gets classified 3 times, error:2 once, error:3 once — at
	// capacity 2 the least-frequent entry should be evicted to make room.
	c.ClassifyErrorCode(1)
	c.ClassifyErrorCode(1)
	c.ClassifyErrorCode(1)
	c.ClassifyErrorCode(2)
	c.ClassifyErrorCode(3)

	store.mu.Lock()
	n := len(store.patterns)
	store.mu.Unlock()
	assert.LessOrEqual(t, n, 2)
}

func TestNonRetryableKinds_ContainsHardAndSoftLimit(t *testing.T) {
	kinds := NonRetryableKinds()
	assert.True(t, kinds[KindHardLimit])
	assert.True(t, kinds[KindSoftLimit])
	assert.True(t, kinds[KindSyntaxError])
	assert.False(t, kinds[KindTimeout])
}

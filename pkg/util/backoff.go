package util

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/spf13/viper"
)

const (
	paramRetryInterval    = "retry-interval"     // constant
	paramRetryMaxInterval = "retry-max-interval" // exponential
	paramRetryMaxCount    = "retry-max-count"    // constant + exponential
	paramRetryMaxTime     = "retry-max-time"     // constant + exponential, zero retries forever
	paramRetryPolicy      = "retry-policy"

	defaultRetryInterval    = 1 * time.Second  // constant
	defaultRetryMaxInterval = 30 * time.Second // exponential
	defaultRetryMaxCount    = 0                // constant + exponential
	defaultRetryMaxTime     = 0                // constant + exponential
	defaultRetryPolicy      = policyExponential

	policyConstant    = "constant"
	policyDisabled    = "disabled"
	policyExponential = "exponential"
)

// BackoffFactory creates a fresh backoff.BackOff for every sequence of retries.
type BackoffFactory func() backoff.BackOff

// NewBackoffFactory creates a new BackoffFactory based on a backoff.ExponentialBackoff
//
// backoff.ConstantBackoff lacks randomization of the interval and a maximum duration, so a
// backoff.ExponentialBackOff with a Multiplier of 1.0 is used as a replacement.
//
// A maxElapsedTime of zero never stops, which is what membership wants: a member keeps trying to
// rejoin for as long as the process wants to be a member.
func NewBackoffFactory(multiplier float64, maxElapsedTime, interval, maxInterval time.Duration, maxRetries uint64) BackoffFactory {
	return func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.Multiplier = multiplier
		bo.MaxElapsedTime = maxElapsedTime
		bo.InitialInterval = interval
		if maxInterval > 0 {
			bo.MaxInterval = maxInterval
		}
		bo.Reset() // Reset is required to make the InitialInterval change take effect.
		if maxRetries == 0 {
			return bo
		}
		return backoff.WithMaxRetries(bo, maxRetries)
	}
}

// DefaultBackoffFactory retries forever, starting at half a second and backing off to 30 seconds.
func DefaultBackoffFactory() BackoffFactory {
	return NewBackoffFactory(backoff.DefaultMultiplier, defaultRetryMaxTime, backoff.DefaultInitialInterval, defaultRetryMaxInterval, defaultRetryMaxCount)
}

func GetRetryFromViper(v *viper.Viper) (BackoffFactory, error) {
	v.SetDefault(paramRetryInterval, defaultRetryInterval)       // constant
	v.SetDefault(paramRetryMaxInterval, defaultRetryMaxInterval) // exponential
	v.SetDefault(paramRetryMaxCount, defaultRetryMaxCount)       // constant + exponential
	v.SetDefault(paramRetryMaxTime, defaultRetryMaxTime)         // constant + exponential
	v.SetDefault(paramRetryPolicy, defaultRetryPolicy)

	retryInterval := v.GetDuration(paramRetryInterval)       // constant
	retryMaxInterval := v.GetDuration(paramRetryMaxInterval) // exponential
	retryMaxCount := v.GetInt64(paramRetryMaxCount)          // constant + exponential
	retryMaxTime := v.GetDuration(paramRetryMaxTime)         // constant + exponential
	retryPolicy := v.GetString(paramRetryPolicy)

	if retryInterval <= 0 {
		return nil, errors.New(paramRetryInterval + " must be positive")
	}

	if retryMaxInterval <= 0 {
		return nil, errors.New(paramRetryMaxInterval + " must be positive")
	}

	if retryMaxCount < 0 {
		return nil, errors.New(paramRetryMaxCount + " must be zero or positive")
	}

	if retryMaxTime < 0 {
		return nil, errors.New(paramRetryMaxTime + " must be zero or positive")
	}

	switch retryPolicy {
	case policyDisabled:
		return func() backoff.BackOff { return &backoff.StopBackOff{} }, nil
	case policyExponential:
		return NewBackoffFactory(backoff.DefaultMultiplier, retryMaxTime, backoff.DefaultInitialInterval, retryMaxInterval, uint64(retryMaxCount)), nil
	case policyConstant:
		return NewBackoffFactory(1.0, retryMaxTime, retryInterval, retryInterval, uint64(retryMaxCount)), nil
	default:
		return nil, fmt.Errorf("%s (%s) not one of %s, %s, or %s", paramRetryPolicy, retryPolicy, policyDisabled, policyConstant, policyExponential)
	}
}

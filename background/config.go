package background

import (
	"hazelstress/client"
	"time"

	"github.com/cockroachdb/errors"
)

type (
	// Config is built once by the caller and handed to NewManager by value.
	Config struct {
		General GeneralConfig
		Legacy  LegacyConfig
		Log     LogConfig
		Stats   StatsConfig
	}
	GeneralConfig struct {
		CacheName            string
		NumThreads           int
		NumEntries           int
		KeyIDOffset          int64
		Gets                 int
		Puts                 int
		Removes              int
		TransactionSize      int
		DelayBetweenRequests time.Duration
		MaxOpsPerSecond      int
		SharedKeys           bool
		DeadNodeTimeout      time.Duration
	}
	LegacyConfig struct {
		EntrySize            int
		NoLoading            bool
		LoadOnly             bool
		LoadWithPutIfAbsent  bool
		PutWithReplace       bool
		LoadDataForDeadNodes bool
		WaitUntilLoaded      bool
	}
	LogConfig struct {
		Enabled                         bool
		ValueMaxSize                    int
		CounterUpdatePeriod             int
		CheckingThreads                 int
		IgnoreDeadCheckers              bool
		CheckNotifications              bool
		WriteApplyMaxDelay              time.Duration
		NoProgressTimeout               time.Duration
		DebugFailures                   bool
		CheckDelayedRemoveExpectedValue bool
		// Negative values disable the limit.
		MaxTransactionAttempts   int
		MaxDelayedRemoveAttempts int
	}
	StatsConfig struct {
		IterationDuration   time.Duration
		SizeSamplingEnabled bool
	}
)

const configKeyPath = "background"

var (
	ErrGetNotAllowed             = errors.New("log logic does not allow GET operations")
	ErrSharedKeysRequireLogLogic = errors.New("shared keys can only be used with log logic")
	ErrNoMutatingOperations      = errors.New("log logic requires puts or removes to be configured")
)

func PopulateConfig(a client.ConfigPropertyAssigner) (*Config, error) {

	var assignmentOps []func() error
	c := Config{}

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign(configKeyPath+".cache.name", client.ValidateString, func(a any) {
			c.General.CacheName = a.(string)
		})
	})

	assignmentOps = append(assignmentOps, populateGeneralConfig(a, &c.General)...)
	assignmentOps = append(assignmentOps, populateLegacyConfig(a, &c.Legacy)...)
	assignmentOps = append(assignmentOps, populateLogConfig(a, &c.Log)...)

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign(configKeyPath+".stats.iterationDurationMs", client.ValidateInt, func(a any) {
			c.Stats.IterationDuration = time.Duration(a.(int)) * time.Millisecond
		})
	})

	assignmentOps = append(assignmentOps, func() error {
		return a.Assign(configKeyPath+".stats.sizeSamplingEnabled", client.ValidateBool, func(a any) {
			c.Stats.SizeSamplingEnabled = a.(bool)
		})
	})

	for _, f := range assignmentOps {
		if err := f(); err != nil {
			return nil, err
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}

	return &c, nil

}

func populateGeneralConfig(a client.ConfigPropertyAssigner, g *GeneralConfig) []func() error {

	keyPath := configKeyPath + ".general"

	return []func() error{
		func() error {
			return a.Assign(keyPath+".numThreads", client.ValidateInt, func(a any) {
				g.NumThreads = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".numEntries", client.ValidateInt, func(a any) {
				g.NumEntries = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".keyIdOffset", client.ValidateNonNegativeInt, func(a any) {
				g.KeyIDOffset = int64(a.(int))
			})
		},
		func() error {
			return a.Assign(keyPath+".gets", client.ValidateNonNegativeInt, func(a any) {
				g.Gets = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".puts", client.ValidateNonNegativeInt, func(a any) {
				g.Puts = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".removes", client.ValidateNonNegativeInt, func(a any) {
				g.Removes = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".transactionSize", client.ValidateNonNegativeInt, func(a any) {
				g.TransactionSize = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".delayBetweenRequestsMs", client.ValidateNonNegativeInt, func(a any) {
				g.DelayBetweenRequests = time.Duration(a.(int)) * time.Millisecond
			})
		},
		func() error {
			return a.Assign(keyPath+".maxOpsPerSecond", client.ValidateNonNegativeInt, func(a any) {
				g.MaxOpsPerSecond = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".sharedKeys", client.ValidateBool, func(a any) {
				g.SharedKeys = a.(bool)
			})
		},
		func() error {
			return a.Assign(keyPath+".deadNodeTimeoutMs", client.ValidateInt, func(a any) {
				g.DeadNodeTimeout = time.Duration(a.(int)) * time.Millisecond
			})
		},
	}

}

func populateLegacyConfig(a client.ConfigPropertyAssigner, l *LegacyConfig) []func() error {

	keyPath := configKeyPath + ".legacy"

	return []func() error{
		func() error {
			return a.Assign(keyPath+".entrySize", client.ValidateInt, func(a any) {
				l.EntrySize = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".noLoading", client.ValidateBool, func(a any) {
				l.NoLoading = a.(bool)
			})
		},
		func() error {
			return a.Assign(keyPath+".loadOnly", client.ValidateBool, func(a any) {
				l.LoadOnly = a.(bool)
			})
		},
		func() error {
			return a.Assign(keyPath+".loadWithPutIfAbsent", client.ValidateBool, func(a any) {
				l.LoadWithPutIfAbsent = a.(bool)
			})
		},
		func() error {
			return a.Assign(keyPath+".putWithReplace", client.ValidateBool, func(a any) {
				l.PutWithReplace = a.(bool)
			})
		},
		func() error {
			return a.Assign(keyPath+".loadDataForDeadNodes", client.ValidateBool, func(a any) {
				l.LoadDataForDeadNodes = a.(bool)
			})
		},
		func() error {
			return a.Assign(keyPath+".waitUntilLoaded", client.ValidateBool, func(a any) {
				l.WaitUntilLoaded = a.(bool)
			})
		},
	}

}

func populateLogConfig(a client.ConfigPropertyAssigner, l *LogConfig) []func() error {

	keyPath := configKeyPath + ".log"

	return []func() error{
		func() error {
			return a.Assign(keyPath+".enabled", client.ValidateBool, func(a any) {
				l.Enabled = a.(bool)
			})
		},
		func() error {
			return a.Assign(keyPath+".valueMaxSize", client.ValidateInt, func(a any) {
				l.ValueMaxSize = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".counterUpdatePeriod", client.ValidateInt, func(a any) {
				l.CounterUpdatePeriod = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".checkingThreads", client.ValidateInt, func(a any) {
				l.CheckingThreads = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".ignoreDeadCheckers", client.ValidateBool, func(a any) {
				l.IgnoreDeadCheckers = a.(bool)
			})
		},
		func() error {
			return a.Assign(keyPath+".checkNotifications", client.ValidateBool, func(a any) {
				l.CheckNotifications = a.(bool)
			})
		},
		func() error {
			return a.Assign(keyPath+".writeApplyMaxDelayMs", client.ValidateNonNegativeInt, func(a any) {
				l.WriteApplyMaxDelay = time.Duration(a.(int)) * time.Millisecond
			})
		},
		func() error {
			return a.Assign(keyPath+".noProgressTimeoutMs", client.ValidateInt, func(a any) {
				l.NoProgressTimeout = time.Duration(a.(int)) * time.Millisecond
			})
		},
		func() error {
			return a.Assign(keyPath+".debugFailures", client.ValidateBool, func(a any) {
				l.DebugFailures = a.(bool)
			})
		},
		func() error {
			return a.Assign(keyPath+".checkDelayedRemoveExpectedValue", client.ValidateBool, func(a any) {
				l.CheckDelayedRemoveExpectedValue = a.(bool)
			})
		},
		func() error {
			return a.Assign(keyPath+".maxTransactionAttempts", client.ValidateAnyInt, func(a any) {
				l.MaxTransactionAttempts = a.(int)
			})
		},
		func() error {
			return a.Assign(keyPath+".maxDelayedRemoveAttempts", client.ValidateAnyInt, func(a any) {
				l.MaxDelayedRemoveAttempts = a.(int)
			})
		},
	}

}

func (c Config) validate() error {

	if c.General.SharedKeys && !c.Log.Enabled {
		return ErrSharedKeysRequireLogLogic
	}

	if c.Log.Enabled {
		if c.General.Gets > 0 {
			return errors.Wrapf(ErrGetNotAllowed, "gets configured as %d", c.General.Gets)
		}
		if c.General.Puts+c.General.Removes == 0 {
			return ErrNoMutatingOperations
		}
	}

	return nil

}

// totalRatio is the sum of the operation ratios; operations are drawn proportionally to them.
func (g GeneralConfig) totalRatio() int {
	return g.Gets + g.Puts + g.Removes
}

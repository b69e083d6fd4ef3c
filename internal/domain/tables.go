package domain

var Tables = []interface{}{
	// System
	&OpLog{},
	&PoolConfig{},
	// Pool
	&Chip{},
	&TrustEvent{},
	&TrustFact{},
	&Alert{},
	&ScheduledActivity{},
	// Jobs
	&JobSchedule{},
	&JobRun{},
}

package consts

// ChaserAdvisoryLockID is a unique integer used for a PostgreSQL advisory lock
// to ensure that only one chaser instance or admin tool can perform critical
// operations (like migrations) at a time.
const ChaserAdvisoryLockID = 58120943 // A randomly chosen integer

// RetentionAdvisoryLockID guards the retention sweeper so that overlapping
// daemon instances never run the sweep concurrently.
const RetentionAdvisoryLockID = 58120944

package consts

import "errors"

var (
	ErrTrackedEmailNotFound = errors.New("tracked email not found")
	ErrTemplateNotFound     = errors.New("template not found")
	ErrAlreadyTerminal      = errors.New("tracked email is in a terminal state")
	ErrDuplicateSend        = errors.New("reminder already handed to transport")
	ErrNotPermitted         = errors.New("operation not permitted")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBInsertFailed            = errors.New("insert failed")

	ErrArchiveUploadFailed = errors.New("archive upload failed")
)

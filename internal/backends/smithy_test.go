package backends_test

import "github.com/aws/smithy-go"

// smithyError is a generic AWS API error with an arbitrary code.
type smithyError struct {
	code string
}

func (e *smithyError) Error() string                 { return e.code }
func (e *smithyError) ErrorCode() string             { return e.code }
func (e *smithyError) ErrorMessage() string          { return e.code }
func (e *smithyError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

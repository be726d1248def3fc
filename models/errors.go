package models

import "errors"

var (
	// ErrUnsupportedRNN is returned for any recurrent cell other than a GRU cell.
	ErrUnsupportedRNN = errors.New("unsupported rnn type")
	// ErrUnknownVariant is returned when a model, cnn or deconv name is not
	// one of the known variants.
	ErrUnknownVariant = errors.New("unknown variant")
	// ErrInvalidConfig covers out-of-range configuration values.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrDeconvSchedule is returned when the deconv kernel/stride schedule
	// cannot reach the target image size.
	ErrDeconvSchedule = errors.New("deconv schedule cannot reach image shape")

	// ErrConflictingInputs is returned when an observation and an explicit
	// (mu, sigma) pair are both supplied.
	ErrConflictingInputs = errors.New("observation and explicit distribution are mutually exclusive")
	// ErrMissingDistribution is returned when neither an observation nor a
	// complete (mu, sigma) pair is supplied.
	ErrMissingDistribution = errors.New("need an observation or both mu and sigma")
	// ErrMissingCount is returned when a dynamics step has no count index.
	ErrMissingCount = errors.New("count index is required")
	// ErrMissingCondition is returned when a configured condition index
	// (count, color or shape) is absent.
	ErrMissingCondition = errors.New("missing condition index")
	// ErrConditionIndex is returned when a condition index is outside its
	// embedding table or does not match the batch size.
	ErrConditionIndex = errors.New("condition index out of range")
	// ErrStateMismatch is returned when a hidden state does not fit the input
	// batch or the model's embedding size.
	ErrStateMismatch = errors.New("hidden state does not match input")
)

package dynamo

import (
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

type item map[string]types.AttributeValue

func (it item) str(k string) string {
	if v, ok := it[k].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (it item) int(k string) (int64, error) {
	v, ok := it[k].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamo: attribute %q is not a number", k)
	}
	return strconv.ParseInt(v.Value, 10, 64)
}

func (it item) bool(k string) bool {
	v, ok := it[k].(*types.AttributeValueMemberBOOL)
	return ok && v.Value
}

func (it item) time(k string) (time.Time, error) {
	ms, err := it.int(k)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (it item) uuid(k string) (uuid.UUID, error) {
	id, err := uuid.Parse(it.str(k))
	if err != nil {
		return uuid.Nil, fmt.Errorf("dynamo: attribute %q: %w", k, err)
	}
	return id, nil
}

// errs collects the first decode failure so the decoders read straight through.
type errs struct{ err error }

func (e *errs) time(it item, k string) time.Time {
	t, err := it.time(k)
	if e.err == nil {
		e.err = err
	}
	return t
}

func (e *errs) int(it item, k string) int64 {
	v, err := it.int(k)
	if e.err == nil {
		e.err = err
	}
	return v
}

func (e *errs) uuid(it item, k string) uuid.UUID {
	v, err := it.uuid(k)
	if e.err == nil {
		e.err = err
	}
	return v
}

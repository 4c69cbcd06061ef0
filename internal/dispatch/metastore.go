package dispatch

import (
	"context"
	"encoding/json"

	"github.com/fnmesh/globalscheduler/internal/store"
	"github.com/fnmesh/globalscheduler/internal/wire"
)

// StoreMetaSource resolves FunctionMeta records from the backing store
//, the same store the rest of the
// scheduler tree uses.
type StoreMetaSource struct {
	st store.Store
}

// NewStoreMetaSource constructs a StoreMetaSource.
func NewStoreMetaSource(st store.Store) *StoreMetaSource {
	return &StoreMetaSource{st: st}
}

func (s *StoreMetaSource) FetchMeta(ctx context.Context, function string) (wire.FunctionMeta, error) {
	kvs, err := s.st.Get(ctx, wire.FunctionMetaKey(function), store.GetOptions{})
	if err != nil {
		return wire.FunctionMeta{}, wire.NewError(wire.ErrInnerCommunication, err.Error())
	}
	if len(kvs) == 0 {
		return wire.FunctionMeta{}, wire.NewError(wire.ErrFunctionMetaNotFound, function)
	}
	var meta wire.FunctionMeta
	if err := json.Unmarshal(kvs[0].Value, &meta); err != nil {
		return wire.FunctionMeta{}, wire.NewError(wire.ErrInnerSystemError, err.Error())
	}
	return meta, nil
}

// PutMeta persists a FunctionMeta record, for admin tooling and tests.
func PutMeta(ctx context.Context, st store.Store, meta wire.FunctionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = st.Put(ctx, wire.FunctionMetaKey(meta.Function), data, store.PutOptions{})
	return err
}

// SingleDriverResolver always returns the same Driver, for deployments
// that run one function-agent transport.
func SingleDriverResolver(d Driver) DriverResolver {
	return func(driverName string) (Driver, error) {
		return d, nil
	}
}

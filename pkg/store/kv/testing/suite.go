package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/marmos91/feedmail/pkg/store/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite checks the kv.Store contract. It exercises behaviour, not
// implementation details, so every backend runs the same suite.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &kvtesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) kv.Store {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore returns a fresh, empty store for each test.
	NewStore func(t *testing.T) kv.Store

	// ListMayDuplicate relaxes the listing tests for backends whose cursor
	// may return a key more than once across pages (Redis SCAN).
	ListMayDuplicate bool
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("BasicOperations", suite.RunBasicTests)
	t.Run("ListOperations", suite.RunListTests)
	t.Run("VersionedOperations", suite.RunVersionedTests)
}

func testContext() context.Context {
	return context.Background()
}

func (suite *StoreTestSuite) newStore(t *testing.T) kv.Store {
	t.Helper()
	store := suite.NewStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// ============================================================================
// Basic Operations
// ============================================================================

// RunBasicTests covers Get, Put and Delete.
func (suite *StoreTestSuite) RunBasicTests(t *testing.T) {
	t.Run("Get_Missing", suite.testGetMissing)
	t.Run("PutGet_RoundTrip", suite.testPutGetRoundTrip)
	t.Run("Put_Overwrite", suite.testPutOverwrite)
	t.Run("Delete_Existing", suite.testDeleteExisting)
	t.Run("Delete_Absent", suite.testDeleteAbsent)
}

func (suite *StoreTestSuite) testGetMissing(t *testing.T) {
	store := suite.newStore(t)

	_, err := store.Get(testContext(), "feed:missing:config")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func (suite *StoreTestSuite) testPutGetRoundTrip(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	require.NoError(t, store.Put(ctx, "feed:a:config", []byte(`{"title":"A"}`)))

	value, err := store.Get(ctx, "feed:a:config")
	require.NoError(t, err)
	assert.Equal(t, `{"title":"A"}`, string(value))
}

func (suite *StoreTestSuite) testPutOverwrite(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	require.NoError(t, store.Put(ctx, "k", []byte("one")))
	require.NoError(t, store.Put(ctx, "k", []byte("two")))

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(value))
}

func (suite *StoreTestSuite) testDeleteExisting(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	require.NoError(t, store.Put(ctx, "k", []byte("v")))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func (suite *StoreTestSuite) testDeleteAbsent(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	assert.NoError(t, store.Delete(ctx, "never-written"))
	assert.NoError(t, store.Delete(ctx, "never-written"), "second delete must also succeed")
}

// ============================================================================
// List Operations
// ============================================================================

// RunListTests covers prefix listing and cursor pagination.
func (suite *StoreTestSuite) RunListTests(t *testing.T) {
	t.Run("List_Empty", suite.testListEmpty)
	t.Run("List_PrefixIsolation", suite.testListPrefixIsolation)
	t.Run("List_Pagination", suite.testListPagination)
	t.Run("List_DeleteBetweenPages", suite.testListDeleteBetweenPages)
}

func (suite *StoreTestSuite) testListEmpty(t *testing.T) {
	store := suite.newStore(t)

	page, err := store.List(testContext(), "feed:none:", "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Keys)
	assert.True(t, page.Complete)
	assert.Empty(t, page.Cursor)
}

func (suite *StoreTestSuite) testListPrefixIsolation(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	mustPut(t, store, "feed:a:config", "feed:a:email:1", "feed:ab:config", "feeds:index")

	keys, err := kv.ListAll(ctx, store, "feed:a:", 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"feed:a:config", "feed:a:email:1"}, dedupe(keys))
}

func (suite *StoreTestSuite) testListPagination(t *testing.T) {
	for _, limit := range []int{1, 3, 7, 1000} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			store := suite.newStore(t)
			ctx := testContext()

			want := make([]string, 0, 25)
			for i := 0; i < 25; i++ {
				key := fmt.Sprintf("feed:p:email:%03d", i)
				want = append(want, key)
				mustPut(t, store, key)
			}
			mustPut(t, store, "feed:q:email:000")

			var got []string
			cursor := ""
			for pages := 0; ; pages++ {
				require.Less(t, pages, 1000, "listing did not terminate")

				page, err := store.List(ctx, "feed:p:", cursor, limit)
				require.NoError(t, err)
				got = append(got, page.Keys...)
				if page.Complete {
					assert.Empty(t, page.Cursor)
					break
				}
				require.NotEmpty(t, page.Cursor)
				cursor = page.Cursor
			}

			if !suite.ListMayDuplicate {
				assert.Len(t, got, len(want))
			}
			assert.ElementsMatch(t, want, dedupe(got))
		})
	}
}

func (suite *StoreTestSuite) testListDeleteBetweenPages(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	for i := 0; i < 30; i++ {
		mustPut(t, store, fmt.Sprintf("feed:d:email:%03d", i))
	}

	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 1000, "listing did not terminate")

		page, err := store.List(ctx, "feed:d:", cursor, 4)
		require.NoError(t, err)
		for _, key := range page.Keys {
			require.NoError(t, store.Delete(ctx, key))
		}
		if page.Complete {
			break
		}
		cursor = page.Cursor
	}

	remaining, err := kv.ListAll(ctx, store, "feed:d:", 100)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

// ============================================================================
// Versioned Operations
// ============================================================================

// RunVersionedTests covers GetVersioned, PutIfVersion and kv.Update.
func (suite *StoreTestSuite) RunVersionedTests(t *testing.T) {
	t.Run("GetVersioned_Missing", suite.testGetVersionedMissing)
	t.Run("PutIfVersion_Create", suite.testPutIfVersionCreate)
	t.Run("PutIfVersion_Stale", suite.testPutIfVersionStale)
	t.Run("PutIfVersion_DeletedKey", suite.testPutIfVersionDeletedKey)
	t.Run("Update_Concurrent", suite.testUpdateConcurrent)
}

func (suite *StoreTestSuite) testGetVersionedMissing(t *testing.T) {
	store := suite.newStore(t)

	_, version, err := store.GetVersioned(testContext(), "feeds:index")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	assert.Equal(t, kv.NoVersion, version)
}

func (suite *StoreTestSuite) testPutIfVersionCreate(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	require.NoError(t, store.PutIfVersion(ctx, "feeds:index", []byte("[]"), kv.NoVersion))

	err := store.PutIfVersion(ctx, "feeds:index", []byte("[1]"), kv.NoVersion)
	assert.ErrorIs(t, err, kv.ErrVersionConflict, "create-only write must fail once the key exists")

	value, err := store.Get(ctx, "feeds:index")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(value))
}

func (suite *StoreTestSuite) testPutIfVersionStale(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	require.NoError(t, store.Put(ctx, "k", []byte("one")))
	_, v1, err := store.GetVersioned(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, store.PutIfVersion(ctx, "k", []byte("two"), v1))

	err = store.PutIfVersion(ctx, "k", []byte("three"), v1)
	assert.ErrorIs(t, err, kv.ErrVersionConflict)

	value, _, err := store.GetVersioned(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "two", string(value))
}

func (suite *StoreTestSuite) testPutIfVersionDeletedKey(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	require.NoError(t, store.Put(ctx, "k", []byte("one")))
	_, v1, err := store.GetVersioned(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "k"))

	err = store.PutIfVersion(ctx, "k", []byte("two"), v1)
	assert.ErrorIs(t, err, kv.ErrVersionConflict)
}

func (suite *StoreTestSuite) testUpdateConcurrent(t *testing.T) {
	store := suite.newStore(t)
	ctx := testContext()

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = kv.Update(ctx, store, "counter:list", func(current []byte, exists bool) ([]byte, error) {
				var items []int
				if exists {
					if err := json.Unmarshal(current, &items); err != nil {
						return nil, err
					}
				}
				items = append(items, i)
				return json.Marshal(items)
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	value, err := store.Get(ctx, "counter:list")
	require.NoError(t, err)

	var items []int
	require.NoError(t, json.Unmarshal(value, &items))
	sort.Ints(items)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, items, "no update may be lost")
}

// ============================================================================
// Helpers
// ============================================================================

func mustPut(t *testing.T, store kv.Store, keys ...string) {
	t.Helper()
	for _, key := range keys {
		require.NoError(t, store.Put(testContext(), key, []byte("v:"+key)))
	}
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/chanwatch/internal/watch"
)

const threadURL = "http://nowere.net/b/res/1.html"

var subscriptionCols = []string{
	"url", "host", "parser", "resource_type", "watermark", "validator", "notify_identity", "created_at",
}

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewStoreWithPool(mock)
	require.NoError(t, err)
	return mock, store
}

func TestNewStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewStore(context.Background(), Config{})
	require.Error(t, err)
	_, err = NewStore(context.Background(), Config{DSN: "://bad"})
	require.Error(t, err)
	_, err = NewStoreWithPool(nil)
	require.Error(t, err)
}

func TestListSubscriptionsScansNullableWatermark(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions ORDER BY url")).
		WillReturnRows(pgxmock.NewRows(subscriptionCols).
			AddRow(threadURL, "nowere.net", "wakaba", "thread", watch.Int64(10), "v1", "nowere.net_b_1@chan.example", created).
			AddRow("http://nowere.net/b/res/2.html", "nowere.net", "wakaba", "thread", nil, "", "nowere.net_b_2@chan.example", created))

	subs, err := store.ListSubscriptions(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, watch.Subscription{
		URL:            threadURL,
		Host:           "nowere.net",
		ParserKind:     "wakaba",
		Type:           watch.ResourceThread,
		Watermark:      watch.Int64(10),
		Validator:      "v1",
		NotifyIdentity: "nowere.net_b_1@chan.example",
		CreatedAt:      created,
	}, subs[0])
	require.False(t, subs[1].Initialized())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubscriptionNotFound(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions WHERE url = $1")).
		WithArgs(threadURL).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetSubscription(context.Background(), threadURL)
	require.ErrorIs(t, err, watch.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSubscriptionUpserts(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)

	sub := watch.Subscription{
		URL:            threadURL,
		Host:           "nowere.net",
		ParserKind:     "wakaba",
		Type:           watch.ResourceThread,
		Watermark:      watch.Int64(3),
		NotifyIdentity: "nowere.net_b_1@chan.example",
	}
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (url) DO NOTHING")).
		WithArgs(sub.URL, sub.Host, sub.ParserKind, "thread", sub.Watermark, "", sub.NotifyIdentity).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateSubscription(context.Background(), sub))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProgress(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("SET watermark = GREATEST(watermark, $2)")).
		WithArgs(threadURL, int64(12), "Sun, 10 Oct 2010 12:00:00 GMT").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE subscriptions")).
		WithArgs("http://gone/", int64(1), "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := context.Background()
	require.NoError(t, store.UpdateProgress(ctx, threadURL, 12, "Sun, 10 Oct 2010 12:00:00 GMT"))
	require.ErrorIs(t, store.UpdateProgress(ctx, "http://gone/", 1, ""), watch.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveIfEmpty(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("NOT EXISTS (SELECT 1 FROM user_subscriptions")).
		WithArgs(threadURL).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(regexp.QuoteMeta("NOT EXISTS (SELECT 1 FROM user_subscriptions")).
		WithArgs(threadURL).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	removed, err := store.RemoveIfEmpty(context.Background(), threadURL)
	require.NoError(t, err)
	require.False(t, removed)
	removed, err = store.RemoveIfEmpty(context.Background(), threadURL)
	require.NoError(t, err)
	require.True(t, removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserLinks(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_subscriptions")).
		WithArgs("bob@x", threadURL, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_subscriptions")).
		WithArgs("bob@x", threadURL, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_subscriptions")).
		WithArgs("bob@x", threadURL).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT count(*) FROM user_subscriptions")).
		WithArgs("bob@x").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT user_jid FROM user_subscriptions WHERE url = $1")).
		WithArgs(threadURL).
		WillReturnRows(pgxmock.NewRows([]string{"user_jid"}).AddRow("alice@x").AddRow("bob@x"))

	link := watch.UserSubscription{User: "bob@x", URL: threadURL}
	require.NoError(t, store.AddUserSubscription(ctx, link))
	require.ErrorIs(t, store.AddUserSubscription(ctx, link), watch.ErrAlreadySubscribed)
	require.ErrorIs(t, store.RemoveUserSubscription(ctx, "bob@x", threadURL), watch.ErrNotFound)

	n, err := store.CountUserSubscriptions(ctx, "bob@x")
	require.NoError(t, err)
	require.Equal(t, 4, n)

	users, err := store.Subscribers(ctx, threadURL)
	require.NoError(t, err)
	require.Equal(t, []string{"alice@x", "bob@x"}, users)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddUserSubscriptionToMissingURL(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_subscriptions")).
		WithArgs("bob@x", threadURL, "").
		WillReturnError(&pgconn.PgError{Code: pgerrcode.ForeignKeyViolation})
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO user_subscriptions")).
		WithArgs("bob@x", threadURL, "").
		WillReturnError(errors.New("connection reset"))

	link := watch.UserSubscription{User: "bob@x", URL: threadURL}
	require.ErrorIs(t, store.AddUserSubscription(context.Background(), link), watch.ErrNotFound)
	err := store.AddUserSubscription(context.Background(), link)
	require.Error(t, err)
	require.NotErrorIs(t, err, watch.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListUserSubscriptions(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	created := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery(regexp.QuoteMeta("FROM user_subscriptions")).
		WithArgs("bob@x").
		WillReturnRows(pgxmock.NewRows([]string{"user_jid", "url", "description", "created_at"}).
			AddRow("bob@x", threadURL, "", created))

	links, err := store.ListUserSubscriptions(context.Background(), "bob@x")
	require.NoError(t, err)
	require.Equal(t, []watch.UserSubscription{{User: "bob@x", URL: threadURL, CreatedAt: created}}, links)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIdentityLookups(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT url FROM subscriptions WHERE notify_identity = $1")).
		WithArgs("nowere.net_b_1@chan.example").
		WillReturnRows(pgxmock.NewRows([]string{"url"}).AddRow(threadURL))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT url FROM subscriptions WHERE notify_identity = $1")).
		WithArgs("main@chan.example").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM subscriptions")).
		WithArgs("nowere.net_b_1@chan.example").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	url, err := store.URLByIdentity(ctx, "nowere.net_b_1@chan.example")
	require.NoError(t, err)
	require.Equal(t, threadURL, url)

	_, err = store.URLByIdentity(ctx, "main@chan.example")
	require.ErrorIs(t, err, watch.ErrNotFound)

	ok, err := store.IdentityExists(ctx, "nowere.net_b_1@chan.example")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkUserSeen(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("bob@x").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users")).
		WithArgs("bob@x").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	first, err := store.MarkUserSeen(context.Background(), "bob@x")
	require.NoError(t, err)
	require.True(t, first)
	first, err = store.MarkUserSeen(context.Background(), "bob@x")
	require.NoError(t, err)
	require.False(t, first)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHostErrors(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("error_count = hosts.error_count + 1")).
		WithArgs("nowere.net").
		WillReturnRows(pgxmock.NewRows([]string{"error_count"}).AddRow(int64(3)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT host, error_count FROM hosts")).
		WillReturnRows(pgxmock.NewRows([]string{"host", "error_count"}).AddRow("nowere.net", int64(3)))

	n, err := store.IncrementHostErrors(ctx, "nowere.net")
	require.NoError(t, err)
	require.EqualValues(t, 3, n)

	hosts, err := store.ListHosts(ctx)
	require.NoError(t, err)
	require.Equal(t, []watch.HostState{{Host: "nowere.net", ErrorCount: 3}}, hosts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryErrorsAreWrapped(t *testing.T) {
	t.Parallel()
	mock, store := newMockStore(t)
	boom := errors.New("connection reset")

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM subscriptions WHERE url = $1")).
		WithArgs(threadURL).
		WillReturnError(boom)

	err := store.DeleteSubscription(context.Background(), threadURL)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "delete subscription")
	require.NoError(t, mock.ExpectationsWereMet())
}

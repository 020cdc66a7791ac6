package tokenbucket

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// serverError mimics an error reply from the Redis server, which go-redis
// models as its Error interface rather than a plain error.
type serverError string

func (e serverError) Error() string { return string(e) }

func (e serverError) RedisError() {}

func TestNoScriptDetection(t *testing.T) {
	ctx := context.Background()

	require.False(t, noScript(nil, nil))

	// Only genuine server replies count; a transport error that happens to
	// start with the same text does not trigger a script reload.
	require.False(t, noScript(nil, errors.New("NOSCRIPT but not from redis")))

	require.True(t, noScript(nil, serverError("NOSCRIPT No matching script. Please use EVAL.")))

	// A pipelined batch reports per-command errors after Exec.
	failed := redis.NewCmd(ctx)
	failed.SetErr(serverError("NOSCRIPT No matching script. Please use EVAL."))
	ok := redis.NewCmd(ctx)
	require.True(t, noScript([]*redis.Cmd{ok, failed}, nil))

	other := redis.NewCmd(ctx)
	other.SetErr(serverError("ERR wrong number of arguments"))
	require.False(t, noScript([]*redis.Cmd{other}, nil))
}

func TestNewRedisStoreValidation(t *testing.T) {
	_, err := NewRedisStore(RedisStoreOptions{Config: Config{Size: 10}})
	require.Error(t, err)

	_, err = NewRedisStore(RedisStoreOptions{
		Client: redis.NewClient(&redis.Options{}),
		Config: Config{Size: 0},
	})
	require.Error(t, err)
}

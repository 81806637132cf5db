package queue

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"paygate/pkg/config"
)

// Open returns the backend cfg selects. redisClient is used only by the
// redis backend and may be nil otherwise.
func Open(ctx context.Context, cfg config.QueueConfig, redisClient *redis.Client) (Queue, error) {
	switch cfg.Backend {
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("redis queue needs a redis client")
		}
		return NewRedisQueue(redisClient, cfg.RedisKey, cfg.PollInterval), nil
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load aws config: %w", err)
		}
		return NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, cfg.SQSWaitTime), nil
	case "memory":
		return NewMemoryQueue(), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
}

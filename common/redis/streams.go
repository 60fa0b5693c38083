package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// StreamOptions 写入 Stream 时的可选参数
type StreamOptions struct {
	// MaxLen 大于 0 时近似裁剪 Stream 长度（XADD MAXLEN ~）
	MaxLen int64
}

// stringifyValues 将任意值转换为 Redis Streams 可接受的字符串
func stringifyValues(values map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out[k] = val
		case []byte:
			out[k] = string(val)
		case int:
			out[k] = strconv.Itoa(val)
		case int64:
			out[k] = strconv.FormatInt(val, 10)
		case uint16:
			out[k] = strconv.FormatUint(uint64(val), 10)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(val)
		default:
			jsonBytes, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal stream field %s: %w", k, err)
			}
			out[k] = string(jsonBytes)
		}
	}
	return out, nil
}

// PublishToStream 发布消息到 Redis Streams
func PublishToStream(ctx context.Context, client *redis.Client, stream string, values map[string]interface{}, opts StreamOptions) (string, error) {
	streamValues, err := stringifyValues(values)
	if err != nil {
		return "", err
	}

	args := &redis.XAddArgs{
		Stream: stream,
		Values: streamValues,
	}
	if opts.MaxLen > 0 {
		args.MaxLen = opts.MaxLen
		args.Approx = true
	}

	return client.XAdd(ctx, args).Result()
}

// PublishJSONToStream 发布 JSON 消息到 Redis Streams
// 消息体固定为 {data: <json>, timestamp: <unix 秒>}
func PublishJSONToStream(ctx context.Context, client *redis.Client, stream string, data interface{}, opts StreamOptions) (string, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return "", err
	}

	return PublishToStream(ctx, client, stream, map[string]interface{}{
		"data":      string(jsonBytes),
		"timestamp": time.Now().Unix(),
	}, opts)
}

// SetJSON 以 JSON 形式写入一个带 TTL 的键
func SetJSON(ctx context.Context, client *redis.Client, key string, data interface{}, ttl time.Duration) error {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return client.Set(ctx, key, jsonBytes, ttl).Err()
}

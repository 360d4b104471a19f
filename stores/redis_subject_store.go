package stores

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/permit"
)

// RedisSubjectStore keeps subject role and permission sets in Redis sets
// (keys: permit:roles:{id}, permit:perms:{id}) with a subject index set for
// listing. Suitable when the identity provider materializes permission sets
// out of process.
type RedisSubjectStore struct {
	client *redis.Client
}

func NewRedisSubjectStore(client *redis.Client) *RedisSubjectStore {
	return &RedisSubjectStore{client: client}
}

func (r *RedisSubjectStore) rolesKey(id string) string { return fmt.Sprintf("permit:roles:%s", id) }
func (r *RedisSubjectStore) permsKey(id string) string { return fmt.Sprintf("permit:perms:%s", id) }

const subjectIndexKey = "permit:subjects"

func (r *RedisSubjectStore) UpsertSubject(ctx context.Context, sub *permit.Subject) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, subjectIndexKey, sub.ID)
	pipe.Del(ctx, r.rolesKey(sub.ID), r.permsKey(sub.ID))
	if len(sub.Roles) > 0 {
		pipe.SAdd(ctx, r.rolesKey(sub.ID), toAny(sub.Roles)...)
	}
	if len(sub.Permissions) > 0 {
		pipe.SAdd(ctx, r.permsKey(sub.ID), toAny(sub.Permissions)...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisSubjectStore) GetSubject(ctx context.Context, id string) (*permit.Subject, error) {
	roles, err := r.client.SMembers(ctx, r.rolesKey(id)).Result()
	if err != nil {
		return nil, err
	}
	perms, err := r.client.SMembers(ctx, r.permsKey(id)).Result()
	if err != nil {
		return nil, err
	}
	return &permit.Subject{ID: id, Roles: roles, Permissions: perms}, nil
}

func (r *RedisSubjectStore) ListSubjects(ctx context.Context) ([]*permit.Subject, error) {
	ids, err := r.client.SMembers(ctx, subjectIndexKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*permit.Subject, 0, len(ids))
	for _, id := range ids {
		sub, err := r.GetSubject(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// GrantPermission adds one permission to the subject's held set.
func (r *RedisSubjectStore) GrantPermission(ctx context.Context, subjectID, permission string) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, subjectIndexKey, subjectID)
	pipe.SAdd(ctx, r.permsKey(subjectID), permission)
	_, err := pipe.Exec(ctx)
	return err
}

// RevokePermission removes one permission from the subject's held set.
func (r *RedisSubjectStore) RevokePermission(ctx context.Context, subjectID, permission string) error {
	return r.client.SRem(ctx, r.permsKey(subjectID), permission).Err()
}

func toAny(list []string) []any {
	out := make([]any, len(list))
	for i, s := range list {
		out[i] = s
	}
	return out
}

package redisstore

import (
    "strconv"

    "github.com/amirimatin/go-flowcluster/pkg/lock"
)

const defaultPrefix = "flowcluster:lock:"

// holdersKey is the Set of lock ids held on a resource:
// <prefix>res:<len(type)>:<type>:<id>. The length keeps ("b:c","a") and
// ("c","a:b") apart.
func holdersKey(prefix string, res lock.Resource) string {
    return prefix + "res:" + strconv.Itoa(len(res.Type)) + ":" + res.Type + ":" + res.ID
}

// entryKey is the Hash describing one lock: <prefix>id:{lockID}
func entryKey(prefix, lockID string) string { return prefix + "id:" + lockID }

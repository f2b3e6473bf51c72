// Package cache implements the host cache storage used by the offline shell
// worker: named, durable request/response stores (one per cache generation)
// persisted under StoragePath. A Storage hands out Stores by name, matches a
// request across every store in creation order, enumerates store names and
// deletes a store atomically. Stores are written once during install and sealed
// afterwards; the interceptor only ever reads them. Three backends share the
// same contract: plain files (temp file + rename), LevelDB and Badger.
package cache

package reg

import (
	"sync"

	"github.com/shieldgrp/shieldbot/internal/db"
)

// registry caches chat metadata between updates so the feed only hits
// the store when a chat actually changes.
type registry struct {
	mutex sync.RWMutex
	chats map[int64]*db.ChatMeta
}

var instance *registry
var once sync.Once

func Get() *registry {
	once.Do(func() {
		instance = &registry{
			chats: map[int64]*db.ChatMeta{},
		}
	})
	return instance
}

func (r *registry) GetChat(id int64) *db.ChatMeta {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.chats[id]
}

func (r *registry) SetChat(cm *db.ChatMeta) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.chats[cm.ID] = cm
}

func (r *registry) RemoveChat(id int64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.chats, id)
}

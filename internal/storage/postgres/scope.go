package postgres

import "gorm.io/gorm"

// ActionScope filters audit rows to a single action.
func ActionScope(actionID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("action_id = ?", actionID)
	}
}

// ActorScope filters audit rows to a single actor.
func ActorScope(actorID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("actor_id = ?", actorID)
	}
}

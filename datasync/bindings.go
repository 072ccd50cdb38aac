package datasync

// the one event table for the whole client. screens never switch on
// event types themselves; they subscribe to query keys and the
// reconciler patches the cache through these bindings.

func payloadRef(kind string, envelope *EventEnvelope, names ...string) (EntityRef, bool) {
	if envelope.Payload == nil {
		return EntityRef{}, false
	}
	id, ok := intIn(envelope.Payload, names...)
	if !ok {
		return EntityRef{}, false
	}
	return NewPersistedRef(kind, id), true
}

func challengeRef(envelope *EventEnvelope) (EntityRef, bool) {
	return payloadRef(KindChallenge, envelope, "challenge_id", "challengeId", "id")
}

func announcementRef(envelope *EventEnvelope) (EntityRef, bool) {
	return payloadRef(KindAnnouncement, envelope, "announcement_id", "announcementId", "id")
}

func profileRef(envelope *EventEnvelope) (EntityRef, bool) {
	return payloadRef(KindProfile, envelope, "user_id", "userId")
}

// overwrites the fields present in the payload, leaving the rest.
// setting from the payload rather than incrementing keeps the patch
// idempotent under duplicate delivery.
func overwriteFields(cache *Cache, ref EntityRef, normalized *Record) {
	cache.PatchEntity(ref, func(record *Record) *Record {
		for name, value := range normalized.Fields {
			record.Fields[name] = value
		}
		return record
	})
}

func DefaultEventBindings() []*EventBinding {
	return []*EventBinding{
		{
			Type:   "challenge.created",
			Entity: challengeRef,
			Patch: func(cache *Cache, envelope *EventEnvelope) {
				// ranking is server side. refetch rather than guess a position.
				cache.Invalidate(ChallengesListKey())
			},
		},
		{
			Type:   "challenge.updated",
			Entity: challengeRef,
			Patch: func(cache *Cache, envelope *EventEnvelope) {
				if normalized, ok := NormalizeChallenge(envelope.Payload); ok {
					overwriteFields(cache, normalized.Ref, normalized)
				}
			},
		},
		{
			Type:   "challenge.joined",
			Entity: challengeRef,
			Patch: func(cache *Cache, envelope *EventEnvelope) {
				ref, ok := challengeRef(envelope)
				if !ok {
					return
				}
				count, hasCount := intIn(envelope.Payload, "participantCount", "participant_count", "participants")
				joined, hasJoined := boolIn(envelope.Payload, "joined", "is_joined", "isJoined")
				cache.PatchEntity(ref, func(record *Record) *Record {
					if hasCount {
						record.Fields["participantCount"] = count
					}
					if hasJoined {
						record.Fields["joined"] = joined
					}
					return record
				})
			},
		},
		{
			Type:   "challenge.verified",
			Entity: challengeRef,
			Patch: func(cache *Cache, envelope *EventEnvelope) {
				if normalized, ok := NormalizeChallenge(envelope.Payload); ok {
					overwriteFields(cache, normalized.Ref, normalized)
				}
			},
		},
		{
			Type:   "points.awarded",
			Entity: profileRef,
			Patch:  patchPointsBalance,
		},
		{
			Type:   "points.updated",
			Entity: profileRef,
			Patch:  patchPointsBalance,
		},
		{
			Type:   "announcement.created",
			Entity: announcementRef,
			Patch: func(cache *Cache, envelope *EventEnvelope) {
				cache.Invalidate(AnnouncementsListKey())
			},
		},
		{
			Type:   "announcement.updated",
			Entity: announcementRef,
			Patch: func(cache *Cache, envelope *EventEnvelope) {
				if normalized, ok := NormalizeAnnouncement(envelope.Payload); ok {
					overwriteFields(cache, normalized.Ref, normalized)
				}
			},
		},
		{
			Type:   "announcement.deleted",
			Entity: announcementRef,
			Patch: func(cache *Cache, envelope *EventEnvelope) {
				ref, ok := announcementRef(envelope)
				if !ok {
					return
				}
				// removing from every embedding entry prevents a deleted
				// row resurrecting out of a stale list
				cache.PatchEntity(ref, func(record *Record) *Record {
					return nil
				})
			},
		},
	}
}

func patchPointsBalance(cache *Cache, envelope *EventEnvelope) {
	ref, ok := profileRef(envelope)
	if !ok {
		return
	}
	balance, hasBalance := intIn(envelope.Payload, "balance", "points_balance", "pointsBalance", "points")
	if hasBalance {
		cache.PatchEntity(ref, func(record *Record) *Record {
			record.Fields["pointsBalance"] = balance
			return record
		})
	} else {
		// awarded amounts are deltas. a delta patch would not be
		// idempotent, so refetch instead.
		cache.Invalidate(NewQueryKey("profile"))
	}
}

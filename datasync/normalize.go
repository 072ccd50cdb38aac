package datasync

import (
	"encoding/json"
)

// the backend exposes the same concept under several optional field name
// variants (e.g. a like count under likeCount, like_count or likes).
// normalization happens once here, at the HTTP/channel boundary, producing
// one canonical record shape. fallback chains must not leak past this file.

const (
	KindPost         = "post"
	KindComment      = "comment"
	KindChallenge    = "challenge"
	KindAnnouncement = "announcement"
	KindProfile      = "profile"
)

func NormalizePost(raw map[string]any) (*Record, bool) {
	id, ok := intIn(raw, "id", "post_id", "postId")
	if !ok {
		return nil, false
	}
	fields := map[string]any{}
	setString(fields, "title", raw, "title")
	setString(fields, "body", raw, "body", "content", "description")
	setInt(fields, "authorId", raw, "author_id", "authorId", "user_id", "userId")
	setInt(fields, "likeCount", raw, "likeCount", "like_count", "likes")
	setBool(fields, "liked", raw, "liked", "is_liked", "isLiked")
	setInt(fields, "commentCount", raw, "commentCount", "comment_count", "comments")
	setString(fields, "imageUrl", raw, "image_url", "imageUrl")
	setString(fields, "createdAt", raw, "created_at", "createdAt")
	if tags, ok := raw["tags"].([]any); ok {
		fields["tags"] = tags
	}
	return NewRecord(NewPersistedRef(KindPost, id), fields), true
}

func NormalizeComment(raw map[string]any) (*Record, bool) {
	id, ok := intIn(raw, "id", "comment_id", "commentId")
	if !ok {
		return nil, false
	}
	fields := map[string]any{}
	setInt(fields, "postId", raw, "post_id", "postId")
	setString(fields, "body", raw, "body", "content")
	setInt(fields, "authorId", raw, "author_id", "authorId", "user_id", "userId")
	setString(fields, "createdAt", raw, "created_at", "createdAt")
	return NewRecord(NewPersistedRef(KindComment, id), fields), true
}

func NormalizeChallenge(raw map[string]any) (*Record, bool) {
	id, ok := intIn(raw, "id", "challenge_id", "challengeId")
	if !ok {
		return nil, false
	}
	fields := map[string]any{}
	setString(fields, "title", raw, "title", "name")
	setString(fields, "description", raw, "description", "body")
	setInt(fields, "points", raw, "points", "reward_points", "rewardPoints")
	setInt(fields, "participantCount", raw, "participantCount", "participant_count", "participants")
	setBool(fields, "joined", raw, "joined", "is_joined", "isJoined")
	setBool(fields, "verified", raw, "verified", "is_verified", "isVerified")
	setString(fields, "status", raw, "status")
	setString(fields, "endsAt", raw, "ends_at", "endsAt")
	return NewRecord(NewPersistedRef(KindChallenge, id), fields), true
}

func NormalizeAnnouncement(raw map[string]any) (*Record, bool) {
	id, ok := intIn(raw, "id", "announcement_id", "announcementId")
	if !ok {
		return nil, false
	}
	fields := map[string]any{}
	setString(fields, "title", raw, "title")
	setString(fields, "body", raw, "body", "content", "message")
	setString(fields, "createdAt", raw, "created_at", "createdAt")
	return NewRecord(NewPersistedRef(KindAnnouncement, id), fields), true
}

func NormalizePostList(result *GetPostsResult) *RecordList {
	list := NewRecordList()
	for _, raw := range result.Data {
		if record, ok := NormalizePost(raw); ok {
			list.Records = append(list.Records, record)
		}
	}
	if result.Pagination != nil {
		list.LastPage = result.Pagination.LastPage
		list.HasNext = result.Pagination.HasNext
	}
	return list
}

func NormalizeChallengeList(result *GetChallengesResult) *RecordList {
	list := NewRecordList()
	for _, raw := range result.Data {
		if record, ok := NormalizeChallenge(raw); ok {
			list.Records = append(list.Records, record)
		}
	}
	if result.Pagination != nil {
		list.LastPage = result.Pagination.LastPage
		list.HasNext = result.Pagination.HasNext
	}
	return list
}

func intIn(raw map[string]any, names ...string) (int64, bool) {
	for _, name := range names {
		switch v := raw[name].(type) {
		case int64:
			return v, true
		case int:
			return int64(v), true
		case float64:
			return int64(v), true
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return i, true
			}
		}
	}
	return 0, false
}

func boolIn(raw map[string]any, names ...string) (bool, bool) {
	for _, name := range names {
		if v, ok := raw[name].(bool); ok {
			return v, true
		}
	}
	return false, false
}

func stringIn(raw map[string]any, names ...string) (string, bool) {
	for _, name := range names {
		if v, ok := raw[name].(string); ok {
			return v, true
		}
	}
	return "", false
}

func setInt(fields map[string]any, name string, raw map[string]any, names ...string) {
	if v, ok := intIn(raw, names...); ok {
		fields[name] = v
	}
}

func setBool(fields map[string]any, name string, raw map[string]any, names ...string) {
	if v, ok := boolIn(raw, names...); ok {
		fields[name] = v
	}
}

func setString(fields map[string]any, name string, raw map[string]any, names ...string) {
	if v, ok := stringIn(raw, names...); ok {
		fields[name] = v
	}
}

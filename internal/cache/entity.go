package cache

import (
	"net/url"
	"time"

	"github.com/hitoshi/guildpanel/internal/model"
)

// エンティティ種別ごとの既定TTL。
// 値が揃っていないのはDiscord APIのレート制限に対する個別チューニングの結果で、
// 意図的にそのまま保持している。
const (
	DefaultGuildTTL   = 5 * time.Minute
	DefaultRoleTTL    = 30 * time.Minute
	DefaultChannelTTL = 30 * time.Minute
	DefaultMemberTTL  = 5 * time.Minute
	DefaultSearchTTL  = 60 * time.Second

	// DefaultCheckPeriod は全エンティティキャッシュ共通のスイープ間隔。
	DefaultCheckPeriod = 10 * time.Minute
)

// GuildStore はユーザーのギルド一覧を2層で保持するキャッシュ。
// 第1層はuserID→ギルドIDの順序付きリスト、第2層はguildID→ギルドオブジェクト。
// ギルドオブジェクトは同一ギルドに所属する複数ユーザー間で共有されるため、
// ユーザーごとに複製せずIDリストと分離して保持する。
type GuildStore struct {
	ids    *Cache[[]string]
	guilds *Cache[model.GuildSummary]
}

// NewGuildStore はGuildStoreを生成する。
func NewGuildStore(ttl, checkPeriod time.Duration) *GuildStore {
	return &GuildStore{
		ids:    New[[]string](Config{StdTTL: ttl, CheckPeriod: checkPeriod}),
		guilds: New[model.GuildSummary](Config{StdTTL: ttl, CheckPeriod: checkPeriod}),
	}
}

// SetUserGuilds はユーザーのギルド一覧を両層に書き込む。
func (s *GuildStore) SetUserGuilds(userID string, guilds []model.GuildSummary) {
	ids := make([]string, len(guilds))
	objects := make(map[string]model.GuildSummary, len(guilds))
	for i, g := range guilds {
		ids[i] = g.ID
		objects[g.ID] = g
	}

	s.guilds.MSet(objects)
	s.ids.Set(userID, ids)
}

// GetUserGuilds はユーザーのギルド一覧をキャッシュから組み立てる。
// IDリストが無い、またはリスト中のいずれかのギルドオブジェクトが
// 失効している場合は操作全体をミスとして扱う。
// このメソッドがネットワークI/Oを行うことはない。
func (s *GuildStore) GetUserGuilds(userID string) ([]model.GuildSummary, bool) {
	ids, ok := s.ids.Get(userID)
	if !ok {
		return nil, false
	}

	objects := s.guilds.MGet(ids)
	if len(objects) != len(ids) {
		// 一部のギルドオブジェクトだけ失効している。全体をミスにする。
		return nil, false
	}

	guilds := make([]model.GuildSummary, len(ids))
	for i, id := range ids {
		guilds[i] = objects[id]
	}
	return guilds, true
}

// GetGuild はギルドオブジェクトを単体で取得する。
func (s *GuildStore) GetGuild(guildID string) (model.GuildSummary, bool) {
	return s.guilds.Get(guildID)
}

// InvalidateUser はユーザーのIDリストを破棄する。
// 共有されているギルドオブジェクトはTTL失効に任せる。
func (s *GuildStore) InvalidateUser(userID string) {
	s.ids.Delete(userID)
}

// Stop は内部キャッシュのスイープを停止する。
func (s *GuildStore) Stop() {
	s.ids.Stop()
	s.guilds.Stop()
}

// RoleStore はギルドIDをキーとするロール一覧のキャッシュ。
type RoleStore struct {
	*Cache[[]model.Role]
}

// NewRoleStore はRoleStoreを生成する。
func NewRoleStore(ttl, checkPeriod time.Duration) *RoleStore {
	return &RoleStore{New[[]model.Role](Config{StdTTL: ttl, CheckPeriod: checkPeriod})}
}

// ChannelStore はギルドIDをキーとするチャンネル一覧のキャッシュ。
type ChannelStore struct {
	*Cache[[]model.Channel]
}

// NewChannelStore はChannelStoreを生成する。
func NewChannelStore(ttl, checkPeriod time.Duration) *ChannelStore {
	return &ChannelStore{New[[]model.Channel](Config{StdTTL: ttl, CheckPeriod: checkPeriod})}
}

// MemberStore はギルドIDとユーザーIDの組をキーとするメンバーのキャッシュ。
type MemberStore struct {
	cache *Cache[model.Member]
}

// NewMemberStore はMemberStoreを生成する。
func NewMemberStore(ttl, checkPeriod time.Duration) *MemberStore {
	return &MemberStore{cache: New[model.Member](Config{StdTTL: ttl, CheckPeriod: checkPeriod})}
}

// memberKey はメンバーキャッシュのキーを構築する。
func memberKey(guildID, userID string) string {
	return guildID + ":" + userID
}

// Set はメンバーを保存する。
func (s *MemberStore) Set(guildID, userID string, m model.Member) {
	s.cache.Set(memberKey(guildID, userID), m)
}

// Get はメンバーを取得する。
func (s *MemberStore) Get(guildID, userID string) (model.Member, bool) {
	return s.cache.Get(memberKey(guildID, userID))
}

// Delete はメンバーを削除する。
func (s *MemberStore) Delete(guildID, userID string) {
	s.cache.Delete(memberKey(guildID, userID))
}

// Stop はスイープを停止する。
func (s *MemberStore) Stop() {
	s.cache.Stop()
}

// SearchStore はギルドIDと検索クエリの組をキーとするメンバー検索結果のキャッシュ。
// 検索結果は静的なエンティティより早く陳腐化するため、短いTTLを使う。
type SearchStore struct {
	cache *Cache[[]model.Member]
}

// NewSearchStore はSearchStoreを生成する。
func NewSearchStore(ttl, checkPeriod time.Duration) *SearchStore {
	return &SearchStore{cache: New[[]model.Member](Config{StdTTL: ttl, CheckPeriod: checkPeriod})}
}

// searchKey は検索結果キャッシュのキーを構築する。
// クエリはURLエンコードして区切り文字との衝突を避ける。
func searchKey(guildID, query string) string {
	return guildID + ":" + url.QueryEscape(query)
}

// Set は検索結果を保存する。
func (s *SearchStore) Set(guildID, query string, members []model.Member) {
	s.cache.Set(searchKey(guildID, query), members)
}

// Get は検索結果を取得する。
func (s *SearchStore) Get(guildID, query string) ([]model.Member, bool) {
	return s.cache.Get(searchKey(guildID, query))
}

// Stop はスイープを停止する。
func (s *SearchStore) Stop() {
	s.cache.Stop()
}

// Stores は全エンティティキャッシュを1箇所にまとめたもの。
// アプリケーション起動時に1度だけ生成し、リクエストハンドラーに注入する。
type Stores struct {
	Guilds   *GuildStore
	Roles    *RoleStore
	Channels *ChannelStore
	Members  *MemberStore
	Search   *SearchStore
}

// NewStores は既定TTLで全エンティティキャッシュを生成する。
func NewStores() *Stores {
	return &Stores{
		Guilds:   NewGuildStore(DefaultGuildTTL, DefaultCheckPeriod),
		Roles:    NewRoleStore(DefaultRoleTTL, DefaultCheckPeriod),
		Channels: NewChannelStore(DefaultChannelTTL, DefaultCheckPeriod),
		Members:  NewMemberStore(DefaultMemberTTL, DefaultCheckPeriod),
		Search:   NewSearchStore(DefaultSearchTTL, DefaultCheckPeriod),
	}
}

// Stop は全キャッシュのスイープgoroutineを停止する。
func (s *Stores) Stop() {
	s.Guilds.Stop()
	s.Roles.Stop()
	s.Channels.Stop()
	s.Members.Stop()
	s.Search.Stop()
}

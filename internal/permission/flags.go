package permission

// Discordパーミッションのビット位置。
// https://discord.com/developers/docs/topics/permissions
const (
	CreateInstantInvite = 0
	KickMembers         = 1
	BanMembers          = 2
	Administrator       = 3
	ManageChannels      = 4
	ManageGuild         = 5
	AddReactions        = 6
	ViewAuditLog        = 7
	ViewChannel         = 10
	SendMessages        = 11
	ManageMessages      = 13
	EmbedLinks          = 14
	AttachFiles         = 15
	ReadMessageHistory  = 16
	MentionEveryone     = 17
	UseExternalEmojis   = 18
	ManageRoles         = 28
	ManageWebhooks      = 29
	ManageThreads       = 34
	SendMessagesInThreads = 38
	ModerateMembers     = 40
)

// HasPermission はAdministrator優先規則を適用してビットの有無を判定する。
// Administratorビットが立っている場合、他のビットの状態に関わらず
// すべてのパーミッションが許可されているとみなす。
func HasPermission(b Bitfield, bit int) bool {
	if b.Has(Administrator) {
		return true
	}
	return b.Has(bit)
}

// CanManageGuild はダッシュボードでギルドを管理できるかを判定する。
// AdministratorまたはManage Guildのいずれかを持つ場合にtrueを返す。
func CanManageGuild(b Bitfield) bool {
	return b.Has(Administrator) || b.Has(ManageGuild)
}

package permissions

import api "github.com/OvyFlash/telegram-bot-api"

// IsManager reports whether the member runs the chat: the creator, or
// an administrator allowed to manage it or promote others.
func IsManager(member *api.ChatMember) bool {
	if member == nil {
		return false
	}
	if member.IsCreator() {
		return true
	}
	return member.IsAdministrator() && (member.CanManageChat || member.CanPromoteMembers)
}

// CanModerate reports whether the member holds enough rights to matter
// for enforcement exemptions. Title-only administrators without restrict
// rights do not count.
func CanModerate(member *api.ChatMember) bool {
	if member == nil {
		return false
	}
	if IsManager(member) {
		return true
	}
	return member.IsAdministrator() && member.CanRestrictMembers
}

package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gonzalop/ftpd/internal/acl"
	"github.com/gonzalop/ftpd/internal/stats"
)

// siteWHO lists logged-in sessions via a GetOnlineUsers task so the
// listing is consistent with the dispatcher's view.
func (s *session) siteWHO(_ []string) bool {
	t := newGetOnlineUsersTask()
	s.server.pushTask(t)
	online := <-t.result
	lines := make([]string, 0, len(online)+1)
	for _, u := range online {
		lines = append(lines, fmt.Sprintf("%-16s %-6s idle %s  %s",
			u.name, u.command, stats.FormatDuration(u.idle), u.remoteIP))
	}
	lines = append(lines, fmt.Sprintf("%d user(s) online.", len(online)))
	s.multiReply(codeCommandOkay, lines...)
	return true
}

// siteHandler binds one SITE subcommand to its ACL keyword and handler.
type siteHandler struct {
	keyword string
	minArgs int
	fn      func(*session, []string) bool
}

var siteHandlers = map[string]siteHandler{
	"ADDUSER":  {"adduser", 2, (*session).siteADDUSER},
	"DELUSER":  {"deluser", 1, (*session).siteDELUSER},
	"PURGE":    {"purge", 1, (*session).sitePURGE},
	"READD":    {"readd", 1, (*session).siteREADD},
	"RENUSER":  {"renuser", 2, (*session).siteRENUSER},
	"PASSWD":   {"passwd", 2, (*session).sitePASSWD},
	"FLAGS":    {"flags", 1, (*session).siteFLAGS},
	"CHGRP":    {"chgrp", 2, (*session).siteCHGRP},
	"GRPADD":   {"grpadd", 1, (*session).siteGRPADD},
	"GRPDEL":   {"grpdel", 1, (*session).siteGRPDEL},
	"SETPGRP":  {"setpgrp", 2, (*session).siteSETPGRP},
	"ADDIP":    {"addip", 2, (*session).siteADDIP},
	"DELIP":    {"delip", 2, (*session).siteDELIP},
	"TAGLINE":  {"tagline", 1, (*session).siteTAGLINE},
	"CHANGE":   {"change", 3, (*session).siteCHANGE},
	"GIVE":     {"give", 2, (*session).siteGIVE},
	"TAKE":     {"take", 2, (*session).siteTAKE},
	"KICK":     {"kick", 1, (*session).siteKICK},
	"RELOAD":   {"reload", 0, (*session).siteRELOAD},
	"SHUTDOWN": {"shutdown", 0, (*session).siteSHUTDOWN},
	"USERS":    {"users", 0, (*session).siteUSERS},
	"WHO":      {"who", 0, (*session).siteWHO},
}

// handleSITE re-dispatches on the first token against the administrative
// table.
func (s *session) handleSITE(arg string) bool {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		s.reply(codeSyntaxError, "Syntax: SITE <command>.")
		return false
	}
	verb := strings.ToUpper(fields[0])
	h, ok := siteHandlers[verb]
	if !ok {
		s.reply(codeCommandUnrecognised, "Command not understood.")
		return false
	}
	args := fields[1:]
	if len(args) < h.minArgs {
		s.reply(codeSyntaxError, "SITE "+verb+": Missing arguments.")
		return false
	}

	// Commands with self/gadmin scopes do their own checks against the
	// target; everything else needs the plain keyword.
	scoped := verb == "ADDIP" || verb == "DELIP" || verb == "DELUSER" || verb == "PASSWD" || verb == "TAGLINE"
	if !scoped && !s.allowSite(h.keyword) {
		s.reply(codeActionFailed, "SITE "+verb+": Permission denied.")
		return false
	}
	return h.fn(s, args)
}

func (s *session) allowSite(keyword string) bool {
	return acl.AllowSiteCmd(s.user, keyword, s.server.cfg.Get().SiteACL, s.server.groups)
}

// allowSiteScoped implements the three-tier check: the plain keyword, the
// "<keyword>own" variant when acting on oneself, and the
// "<keyword>gadmin" variant when the caller administers the target's
// primary group.
func (s *session) allowSiteScoped(keyword, target string) bool {
	if s.allowSite(keyword) {
		return true
	}
	if target == s.user.Name && s.allowSite(keyword+"own") {
		return true
	}
	gid := s.server.users.PrimaryGID(s.server.users.NameToUID(target))
	return gid != acl.NoGroupID && s.user.HasGadminGID(gid) && s.allowSite(keyword+"gadmin")
}

func (s *session) siteADDUSER(args []string) bool {
	name, password := args[0], args[1]
	snap, err := s.server.users.Create(name, password, "", s.user.ID)
	if err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	lines := []string{fmt.Sprintf("Added user %s (uid %d).", snap.Name, snap.ID)}
	for _, mask := range args[2:] {
		redundant, err := s.server.users.AddIPMask(name, mask)
		if err != nil {
			lines = append(lines, fmt.Sprintf("IP %s not added: %s", mask, err.Error()))
			continue
		}
		lines = append(lines, fmt.Sprintf("IP %s added successfully.", mask))
		for _, del := range redundant {
			lines = append(lines, fmt.Sprintf("Auto-removed unnecessary IP %s!", del))
		}
	}
	s.multiReply(codeCommandOkay, lines...)
	return true
}

func (s *session) siteDELUSER(args []string) bool {
	name := args[0]
	if !s.allowSiteScoped("deluser", name) {
		s.reply(codeActionFailed, "SITE DELUSER: Permission denied.")
		return false
	}
	user, err := s.server.users.User(name)
	if err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	if err := s.server.users.Delete(name); err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}

	t := newKickUserTask(user.ID, false)
	s.server.pushTask(t)
	kicked := <-t.result

	msg := fmt.Sprintf("User %s has been deleted.", name)
	if kicked > 0 {
		msg += fmt.Sprintf(" (%d login(s) kicked)", kicked)
	}
	s.reply(codeCommandOkay, msg)
	return true
}

func (s *session) sitePURGE(args []string) bool {
	if err := s.server.users.Purge(args[0]); err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	s.reply(codeCommandOkay, "User "+args[0]+" has been purged.")
	return true
}

func (s *session) siteREADD(args []string) bool {
	if err := s.server.users.Readd(args[0]); err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	s.reply(codeCommandOkay, "User "+args[0]+" has been readded.")
	return true
}

func (s *session) siteRENUSER(args []string) bool {
	if err := s.server.users.Rename(args[0], args[1]); err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	s.reply(codeCommandOkay, fmt.Sprintf("User %s renamed to %s.", args[0], args[1]))
	return true
}

func (s *session) sitePASSWD(args []string) bool {
	name := args[0]
	if !s.allowSiteScoped("passwd", name) {
		s.reply(codeActionFailed, "SITE PASSWD: Permission denied.")
		return false
	}
	if err := s.server.users.SetPassword(name, args[1]); err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	s.reply(codeCommandOkay, "Password changed for "+name+".")
	return true
}

func (s *session) siteFLAGS(args []string) bool {
	name := args[0]
	if len(args) == 1 {
		user, err := s.server.users.User(name)
		if err != nil {
			s.reply(codeActionFailed, err.Error())
			return false
		}
		flags := user.Flags
		if flags == "" {
			flags = "(none)"
		}
		s.reply(codeCommandOkay, fmt.Sprintf("Flags for %s: %s", name, flags))
		return true
	}

	spec := args[1]
	var err error
	switch {
	case strings.HasPrefix(spec, "+"):
		err = s.server.users.AddFlags(name, spec[1:])
	case strings.HasPrefix(spec, "-"):
		err = s.server.users.DelFlags(name, spec[1:])
	case strings.HasPrefix(spec, "="):
		err = s.server.users.SetFlags(name, spec[1:])
	default:
		err = s.server.users.SetFlags(name, spec)
	}
	if err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	s.notifyUserUpdate(name)
	s.reply(codeCommandOkay, "Flags updated for "+name+".")
	return true
}

func (s *session) siteCHGRP(args []string) bool {
	name := args[0]
	users, groups := s.server.users, s.server.groups
	var lines []string
	for _, groupName := range args[1:] {
		gid := groups.NameToGID(groupName)
		if gid == acl.NoGroupID {
			lines = append(lines, "Group "+groupName+" doesn't exist.")
			continue
		}
		if users.HasGID(name, gid) {
			if err := users.DelGID(name, gid); err != nil {
				lines = append(lines, err.Error())
			} else {
				lines = append(lines, fmt.Sprintf("Removed %s from %s.", name, groupName))
			}
		} else {
			if err := users.AddGID(name, gid); err != nil {
				lines = append(lines, err.Error())
			} else {
				lines = append(lines, fmt.Sprintf("Added %s to %s.", name, groupName))
			}
		}
	}
	s.notifyUserUpdate(name)
	s.multiReply(codeCommandOkay, lines...)
	return true
}

func (s *session) siteGRPADD(args []string) bool {
	snap, err := s.server.groups.Create(args[0])
	if err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	if len(args) > 1 {
		if err := s.server.groups.SetDescription(snap.Name, strings.Join(args[1:], " ")); err != nil {
			s.reply(codeActionFailed, err.Error())
			return false
		}
	}
	s.reply(codeCommandOkay, fmt.Sprintf("Added group %s (gid %d).", snap.Name, snap.ID))
	return true
}

func (s *session) siteGRPDEL(args []string) bool {
	name := args[0]
	gid := s.server.groups.NameToGID(name)
	if gid == acl.NoGroupID {
		s.reply(codeActionFailed, "Group "+name+" doesn't exist.")
		return false
	}
	// Membership lives on the user side; strip it before the group goes.
	for _, u := range s.server.users.Users() {
		if u.HasGID(gid) {
			if err := s.server.users.DelGID(u.Name, gid); err != nil {
				s.reply(codeActionFailed, err.Error())
				return false
			}
		}
	}
	if err := s.server.groups.Delete(name); err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	s.reply(codeCommandOkay, "Group "+name+" has been deleted.")
	return true
}

func (s *session) siteSETPGRP(args []string) bool {
	name, groupName := args[0], args[1]
	gid := s.server.groups.NameToGID(groupName)
	if gid == acl.NoGroupID {
		s.reply(codeActionFailed, "Group "+groupName+" doesn't exist.")
		return false
	}
	oldGID, err := s.server.users.SetPrimaryGID(name, gid)
	if err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	s.notifyUserUpdate(name)
	if oldGID == acl.NoGroupID {
		s.reply(codeCommandOkay, fmt.Sprintf("Primary group of %s set to %s.", name, groupName))
	} else {
		s.reply(codeCommandOkay, fmt.Sprintf("Primary group of %s changed from %s to %s.",
			name, s.server.groups.GIDToName(oldGID), groupName))
	}
	return true
}

func (s *session) siteADDIP(args []string) bool {
	name := args[0]
	if !s.allowSiteScoped("addip", name) {
		s.reply(codeActionFailed, "SITE ADDIP: Permission denied.")
		return false
	}
	user, err := s.server.users.User(name)
	if err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}

	lines := []string{"Adding IPs to " + user.Name + ":"}
	for _, mask := range args[1:] {
		redundant, err := s.server.users.AddIPMask(name, mask)
		if err != nil {
			lines = append(lines, fmt.Sprintf("IP %s not added: %s", mask, err.Error()))
			continue
		}
		lines = append(lines, fmt.Sprintf("IP %s added successfully.", mask))
		for _, del := range redundant {
			lines = append(lines, fmt.Sprintf("Auto-removed unnecessary IP %s!", del))
		}
	}
	lines = append(lines, "Command finished.")
	s.multiReply(codeCommandOkay, lines...)
	return true
}

func (s *session) siteDELIP(args []string) bool {
	name := args[0]
	if !s.allowSiteScoped("delip", name) {
		s.reply(codeActionFailed, "SITE DELIP: Permission denied.")
		return false
	}

	var lines []string
	for _, sel := range args[1:] {
		if sel == "*" {
			deleted, err := s.server.users.DelAllIPMasks(name)
			if err != nil {
				lines = append(lines, err.Error())
				continue
			}
			for _, m := range deleted {
				lines = append(lines, "IP "+m+" deleted.")
			}
			continue
		}
		index, err := strconv.Atoi(sel)
		if err != nil {
			// Allow deletion by literal mask too.
			masks, lerr := s.server.users.ListIPMasks(name)
			if lerr != nil {
				lines = append(lines, lerr.Error())
				continue
			}
			index = -1
			for i, m := range masks {
				if m == sel {
					index = i + 1
					break
				}
			}
			if index == -1 {
				lines = append(lines, "IP "+sel+" not found.")
				continue
			}
		}
		deleted, err := s.server.users.DelIPMask(name, index)
		if err != nil {
			lines = append(lines, err.Error())
			continue
		}
		lines = append(lines, "IP "+deleted+" deleted.")
	}
	s.multiReply(codeCommandOkay, lines...)
	return true
}

func (s *session) siteTAGLINE(args []string) bool {
	if !s.allowSiteScoped("tagline", s.user.Name) {
		s.reply(codeActionFailed, "SITE TAGLINE: Permission denied.")
		return false
	}
	tagline := strings.Join(args, " ")
	if err := s.server.users.SetTagline(s.user.Name, tagline); err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	s.user.Tagline = tagline
	s.reply(codeCommandOkay, "Tagline changed to: "+tagline)
	return true
}

// siteCHANGE adjusts one profile limit: SITE CHANGE <user> <field>
// <value>.
func (s *session) siteCHANGE(args []string) bool {
	name, field, value := args[0], strings.ToLower(args[1]), args[2]
	users := s.server.users

	var err error
	switch field {
	case "ratio":
		var n int
		if n, err = strconv.Atoi(value); err == nil {
			err = users.SetRatio(name, "", n)
		}
	case "num_logins":
		var n int
		if n, err = strconv.Atoi(value); err == nil {
			err = users.SetNumLogins(name, n)
		}
	case "max_sim_up":
		var n int
		if n, err = strconv.Atoi(value); err == nil {
			err = users.SetMaxSimUp(name, n)
		}
	case "max_sim_down":
		var n int
		if n, err = strconv.Atoi(value); err == nil {
			err = users.SetMaxSimDown(name, n)
		}
	case "max_up_speed":
		var n int64
		if n, err = strconv.ParseInt(value, 10, 64); err == nil {
			err = users.SetMaxUpSpeed(name, n)
		}
	case "max_down_speed":
		var n int64
		if n, err = strconv.ParseInt(value, 10, 64); err == nil {
			err = users.SetMaxDownSpeed(name, n)
		}
	case "idle_time":
		var n int
		if n, err = strconv.Atoi(value); err == nil {
			err = users.SetIdleTime(name, n)
		}
	case "wkly_allotment":
		var n int64
		if n, err = parseSizeKB(value); err == nil {
			err = users.SetWeeklyAllotment(name, n)
		}
	case "homedir":
		err = users.SetHomeDir(name, value)
	case "comment":
		err = users.SetComment(name, strings.Join(args[2:], " "))
	default:
		s.reply(codeSyntaxError, "Unknown field "+field+".")
		return false
	}
	if err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	s.notifyUserUpdate(name)
	s.reply(codeCommandOkay, fmt.Sprintf("Changed %s for %s.", field, name))
	return true
}

// parseSizeKB parses a kilobyte amount with an optional K/M/G suffix.
func parseSizeKB(arg string) (int64, error) {
	mult := int64(1)
	switch {
	case strings.HasSuffix(arg, "G"), strings.HasSuffix(arg, "g"):
		mult = 1024 * 1024
		arg = arg[:len(arg)-1]
	case strings.HasSuffix(arg, "M"), strings.HasSuffix(arg, "m"):
		mult = 1024
		arg = arg[:len(arg)-1]
	case strings.HasSuffix(arg, "K"), strings.HasSuffix(arg, "k"):
		arg = arg[:len(arg)-1]
	}
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", arg)
	}
	return n * mult, nil
}

func (s *session) siteGIVE(args []string) bool {
	name := args[0]
	kBytes, err := parseSizeKB(args[1])
	if err != nil {
		s.reply(codeSyntaxError, err.Error())
		return false
	}
	uid := s.server.users.NameToUID(name)
	if uid == acl.NoUserID {
		s.reply(codeActionFailed, "User "+name+" doesn't exist.")
		return false
	}
	if err := s.server.users.IncrCredits(uid, "", kBytes); err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	s.notifyUserUpdate(name)
	s.reply(codeCommandOkay, fmt.Sprintf("Gave %d kB to %s.", kBytes, name))
	return true
}

func (s *session) siteTAKE(args []string) bool {
	name := args[0]
	kBytes, err := parseSizeKB(args[1])
	if err != nil {
		s.reply(codeSyntaxError, err.Error())
		return false
	}
	uid := s.server.users.NameToUID(name)
	if uid == acl.NoUserID {
		s.reply(codeActionFailed, "User "+name+" doesn't exist.")
		return false
	}
	if _, err := s.server.users.DecrCredits(uid, "", kBytes, true); err != nil {
		s.reply(codeActionFailed, err.Error())
		return false
	}
	s.notifyUserUpdate(name)
	s.reply(codeCommandOkay, fmt.Sprintf("Took %d kB from %s.", kBytes, name))
	return true
}

func (s *session) siteKICK(args []string) bool {
	name := args[0]
	uid := s.server.users.NameToUID(name)
	if uid == acl.NoUserID {
		s.reply(codeActionFailed, "User "+name+" doesn't exist.")
		return false
	}
	t := newKickUserTask(uid, false)
	s.server.pushTask(t)
	kicked := <-t.result
	s.reply(codeCommandOkay, fmt.Sprintf("Kicked %d login(s) of %s.", kicked, name))
	return true
}

func (s *session) siteRELOAD(_ []string) bool {
	path := s.server.configPath
	if path == "" {
		s.reply(codeActionFailed, "No configuration file to reload.")
		return false
	}
	t := newReloadConfigTask(path)
	s.server.pushTask(t)
	r := <-t.result
	switch r.outcome {
	case reloadOkay:
		s.reply(codeCommandOkay, "Configuration reloaded.")
		return true
	case reloadStopStart:
		s.reply(codeCommandOkay, "Configuration reloaded; full restart required for some changes.")
		return true
	default:
		s.reply(codeActionFailed, "Failed to reload configuration.")
		return false
	}
}

func (s *session) siteSHUTDOWN(_ []string) bool {
	s.reply(codeCommandOkay, "Shutting down.")
	s.server.pushTask(exitTask{})
	return true
}

func (s *session) siteUSERS(_ []string) bool {
	users := s.server.users.Users()
	lines := make([]string, 0, len(users)+1)
	for _, u := range users {
		state := ""
		if u.Deleted {
			state = " (deleted)"
		}
		group := s.server.groups.GIDToName(u.PrimaryGID)
		if group == "" {
			group = "-"
		}
		lines = append(lines, fmt.Sprintf("%-16s %-10s flags=%-8s credits=%s%s",
			u.Name, group, u.Flags, creditString(u), state))
	}
	lines = append(lines, fmt.Sprintf("%d user(s).", len(users)))
	s.multiReply(codeCommandOkay, lines...)
	return true
}

// creditString renders the default-section balance with an auto unit.
func creditString(u acl.UserSnapshot) string {
	kb := u.SectionCredits("")
	switch {
	case kb >= 1024*1024:
		return fmt.Sprintf("%.1fGB", float64(kb)/(1024*1024))
	case kb >= 1024:
		return fmt.Sprintf("%.1fMB", float64(kb)/1024)
	default:
		return fmt.Sprintf("%dKB", kb)
	}
}

// notifyUserUpdate flags live sessions of name so they refresh their
// snapshot before the next command.
func (s *session) notifyUserUpdate(name string) {
	uid := s.server.users.NameToUID(name)
	if uid == acl.NoUserID {
		return
	}
	s.server.pushTask(&userUpdateTask{uid: uid})
}

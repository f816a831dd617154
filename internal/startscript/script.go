// Package startscript renders the hierarchical start script the engine
// reads on boot. The script carries the full battle setup: ally teams,
// teams, players in engine numbering order, options and the network
// endpoints of the host.
package startscript

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/beyond-all-reason/recoil-autohost/internal/tachyon"
)

// Section is one bracketed block of the script. Settings and
// subsections render in insertion order.
type Section struct {
	Name  string
	items []item
}

type item struct {
	key   string
	value string
	sub   *Section
}

// NewSection creates a named section.
func NewSection(name string) *Section {
	return &Section{Name: name}
}

// Set appends a key/value setting.
func (s *Section) Set(key, value string) {
	s.items = append(s.items, item{key: key, value: value})
}

// SetInt appends an integer setting.
func (s *Section) SetInt(key string, value int) {
	s.Set(key, strconv.Itoa(value))
}

// SetFloat appends a float setting in the shortest exact form.
func (s *Section) SetFloat(key string, value float64) {
	s.Set(key, strconv.FormatFloat(value, 'g', -1, 64))
}

// Sub appends and returns a subsection.
func (s *Section) Sub(name string) *Section {
	sub := NewSection(name)
	s.items = append(s.items, item{sub: sub})
	return sub
}

// Render serializes the section tree. The format has no quoting, so
// values containing a semicolon or a line break are rejected.
func (s *Section) Render() ([]byte, error) {
	var b strings.Builder
	if err := s.render(&b, 0); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func (s *Section) render(b *strings.Builder, depth int) error {
	indent := strings.Repeat("\t", depth)
	b.WriteString(indent)
	b.WriteString("[")
	b.WriteString(s.Name)
	b.WriteString("]\n")
	b.WriteString(indent)
	b.WriteString("{\n")
	for _, it := range s.items {
		if it.sub != nil {
			if err := it.sub.render(b, depth+1); err != nil {
				return err
			}
			continue
		}
		if strings.ContainsAny(it.value, ";\n\r") {
			return fmt.Errorf("setting %q: value %q cannot be represented", it.key, it.value)
		}
		b.WriteString(indent)
		b.WriteString("\t")
		b.WriteString(it.key)
		b.WriteString(" = ")
		b.WriteString(it.value)
		b.WriteString(";\n")
	}
	b.WriteString(indent)
	b.WriteString("}\n")
	return nil
}

// Network holds the endpoints written into the script.
type Network struct {
	HostIP       string
	HostPort     int
	AutohostIP   string
	AutohostPort int
}

// startPosTypes maps the request enum to the engine's numeric modes.
var startPosTypes = map[string]int{
	"":                         0,
	tachyon.StartPosFixed:      0,
	tachyon.StartPosRandom:     1,
	tachyon.StartPosIngame:     2,
	tachyon.StartPosBeforegame: 3,
}

// Build assembles the script document for one battle. Player sections
// appear in the numbering order of req.PlacedPlayers, which is the same
// order the player index uses.
func Build(req *tachyon.StartRequest, net Network) *Section {
	game := NewSection("game")

	var teamOfAlly []int
	for i, at := range req.AllyTeams {
		ally := game.Sub(fmt.Sprintf("allyTeam%d", i))
		ally.SetInt("numallies", 0)
		if b := at.StartBox; b != nil {
			ally.SetFloat("startrecttop", b.Top)
			ally.SetFloat("startrectbottom", b.Bottom)
			ally.SetFloat("startrectleft", b.Left)
			ally.SetFloat("startrectright", b.Right)
		}
		for range at.Teams {
			teamOfAlly = append(teamOfAlly, i)
		}
	}

	placed := req.PlacedPlayers()

	leaders := make(map[int]int)
	for _, p := range placed {
		if p.Team >= 0 {
			if _, ok := leaders[p.Team]; !ok {
				leaders[p.Team] = p.Number
			}
		}
	}

	teamIdx := 0
	for _, at := range req.AllyTeams {
		for _, team := range at.Teams {
			sec := game.Sub(fmt.Sprintf("team%d", teamIdx))
			sec.SetInt("teamleader", leaders[teamIdx])
			sec.SetInt("allyteam", teamOfAlly[teamIdx])
			if team.Faction != "" {
				sec.Set("side", team.Faction)
			}
			teamIdx++
		}
	}

	for _, p := range placed {
		sec := game.Sub(fmt.Sprintf("player%d", p.Number))
		sec.Set("name", p.Name)
		sec.Set("password", p.Password)
		sec.Set("userid", p.UserID)
		if p.Team >= 0 {
			sec.SetInt("spectator", 0)
			sec.SetInt("team", p.Team)
		} else {
			sec.SetInt("spectator", 1)
		}
	}

	if len(req.GameOptions) > 0 {
		setSorted(game.Sub("modoptions"), req.GameOptions)
	}
	if len(req.MapOptions) > 0 {
		setSorted(game.Sub("mapoptions"), req.MapOptions)
	}
	if len(req.Restrictions) > 0 {
		restrict := game.Sub("restrict")
		keys := sortedKeys(req.Restrictions)
		for i, k := range keys {
			restrict.Set(fmt.Sprintf("unit%d", i), k)
			restrict.Set(fmt.Sprintf("limit%d", i), req.Restrictions[k])
		}
		restrict.SetInt("numrestrictions", len(keys))
	}

	game.Set("gametype", req.GameName)
	game.Set("mapname", req.MapName)
	game.SetInt("startpostype", startPosTypes[req.StartPosType])
	game.SetInt("ishost", 1)
	game.SetInt("nohelperais", 0)
	game.Set("hostip", net.HostIP)
	game.SetInt("hostport", net.HostPort)
	game.Set("autohostip", net.AutohostIP)
	game.SetInt("autohostport", net.AutohostPort)

	return game
}

func setSorted(sec *Section, opts map[string]string) {
	for _, k := range sortedKeys(opts) {
		sec.Set(k, opts[k])
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package startscript

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beyond-all-reason/recoil-autohost/internal/tachyon"
)

// parseScript reads a rendered script back into nested maps so tests
// can assert on structure without caring about formatting.
type parsedSection struct {
	name     string
	settings map[string]string
	order    []string // subsection names in render order
	subs     map[string]*parsedSection
}

func parseScript(t *testing.T, script []byte) *parsedSection {
	t.Helper()

	var stack []*parsedSection
	var root *parsedSection
	var pending string

	for _, line := range strings.Split(string(script), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			pending = line[1 : len(line)-1]
		case line == "{":
			sec := &parsedSection{
				name:     pending,
				settings: make(map[string]string),
				subs:     make(map[string]*parsedSection),
			}
			if len(stack) == 0 {
				root = sec
			} else {
				parent := stack[len(stack)-1]
				parent.order = append(parent.order, sec.name)
				parent.subs[sec.name] = sec
			}
			stack = append(stack, sec)
		case line == "}":
			require.NotEmpty(t, stack, "unbalanced braces")
			stack = stack[:len(stack)-1]
		default:
			require.True(t, strings.HasSuffix(line, ";"), "line %q must end with ;", line)
			key, value, found := strings.Cut(strings.TrimSuffix(line, ";"), " = ")
			require.True(t, found, "line %q is not a setting", line)
			stack[len(stack)-1].settings[key] = value
		}
	}
	require.Empty(t, stack, "unbalanced braces")
	require.NotNil(t, root)
	return root
}

func testRequest() *tachyon.StartRequest {
	return &tachyon.StartRequest{
		BattleID:      "b1",
		EngineVersion: "105.1.1",
		GameName:      "Game 1.0",
		MapName:       "Quicksilver",
		StartPosType:  tachyon.StartPosIngame,
		AllyTeams: []tachyon.AllyTeam{
			{
				StartBox: &tachyon.StartBox{Top: 0, Bottom: 0.25, Left: 0, Right: 1},
				Teams: []tachyon.Team{{
					Faction: "Armada",
					Players: []tachyon.Player{
						{UserID: "u1", Name: "Floris", Password: "p1"},
						{UserID: "u2", Name: "Marek", Password: "p2"},
					},
				}},
			},
			{
				Teams: []tachyon.Team{{
					Players: []tachyon.Player{{UserID: "u3", Name: "Zeph", Password: "p3"}},
				}},
			},
		},
		Spectators:  []tachyon.Player{{UserID: "u4", Name: "Watcher", Password: "p4"}},
		GameOptions: map[string]string{"deathmode": "com", "startmetal": "1000"},
	}
}

func testNetwork() Network {
	return Network{HostIP: "0.0.0.0", HostPort: 20001, AutohostIP: "127.0.0.1", AutohostPort: 22001}
}

func TestBuildRendersGameSection(t *testing.T) {
	script, err := Build(testRequest(), testNetwork()).Render()
	require.NoError(t, err)

	game := parseScript(t, script)
	assert.Equal(t, "game", game.name)
	assert.Equal(t, "Game 1.0", game.settings["gametype"])
	assert.Equal(t, "Quicksilver", game.settings["mapname"])
	assert.Equal(t, "2", game.settings["startpostype"])
	assert.Equal(t, "1", game.settings["ishost"])
	assert.Equal(t, "0", game.settings["nohelperais"])
	assert.Equal(t, "0.0.0.0", game.settings["hostip"])
	assert.Equal(t, "20001", game.settings["hostport"])
	assert.Equal(t, "127.0.0.1", game.settings["autohostip"])
	assert.Equal(t, "22001", game.settings["autohostport"])
}

func TestBuildPlayerOrderMatchesPlacement(t *testing.T) {
	req := testRequest()
	script, err := Build(req, testNetwork()).Render()
	require.NoError(t, err)
	game := parseScript(t, script)

	// player<N> sections appear in placement order and agree with
	// PlacedPlayers on every number.
	var playerSections []string
	for _, name := range game.order {
		if strings.HasPrefix(name, "player") {
			playerSections = append(playerSections, name)
		}
	}
	assert.Equal(t, []string{"player0", "player1", "player2", "player3"}, playerSections)

	for _, p := range req.PlacedPlayers() {
		sec := game.subs["player"+strconv.Itoa(p.Number)]
		require.NotNil(t, sec, "missing section for player %d", p.Number)
		assert.Equal(t, p.Name, sec.settings["name"])
		assert.Equal(t, p.Password, sec.settings["password"])
		assert.Equal(t, p.UserID, sec.settings["userid"])
	}

	assert.Equal(t, "0", game.subs["player0"].settings["spectator"])
	assert.Equal(t, "0", game.subs["player0"].settings["team"])
	assert.Equal(t, "1", game.subs["player2"].settings["team"])
	assert.Equal(t, "1", game.subs["player3"].settings["spectator"])
	_, hasTeam := game.subs["player3"].settings["team"]
	assert.False(t, hasTeam, "spectators carry no team")
}

func TestBuildTeamsAndAllyTeams(t *testing.T) {
	script, err := Build(testRequest(), testNetwork()).Render()
	require.NoError(t, err)
	game := parseScript(t, script)

	ally0 := game.subs["allyTeam0"]
	require.NotNil(t, ally0)
	assert.Equal(t, "0.25", ally0.settings["startrectbottom"])
	assert.Equal(t, "1", ally0.settings["startrectright"])

	ally1 := game.subs["allyTeam1"]
	require.NotNil(t, ally1)
	_, hasBox := ally1.settings["startrecttop"]
	assert.False(t, hasBox)

	team0 := game.subs["team0"]
	require.NotNil(t, team0)
	assert.Equal(t, "0", team0.settings["allyteam"])
	assert.Equal(t, "0", team0.settings["teamleader"])
	assert.Equal(t, "Armada", team0.settings["side"])

	team1 := game.subs["team1"]
	require.NotNil(t, team1)
	assert.Equal(t, "1", team1.settings["allyteam"])
	assert.Equal(t, "2", team1.settings["teamleader"])
}

func TestBuildGameOptions(t *testing.T) {
	script, err := Build(testRequest(), testNetwork()).Render()
	require.NoError(t, err)
	game := parseScript(t, script)

	mod := game.subs["modoptions"]
	require.NotNil(t, mod)
	assert.Equal(t, "com", mod.settings["deathmode"])
	assert.Equal(t, "1000", mod.settings["startmetal"])
}

func TestRenderRejectsUnrepresentableValues(t *testing.T) {
	req := testRequest()
	req.MapName = "evil;map"
	_, err := Build(req, testNetwork()).Render()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be represented")

	req = testRequest()
	req.AllyTeams[0].Teams[0].Players[0].Name = "two\nlines"
	_, err = Build(req, testNetwork()).Render()
	assert.Error(t, err)
}

func TestRenderIsDeterministic(t *testing.T) {
	a, err := Build(testRequest(), testNetwork()).Render()
	require.NoError(t, err)
	b, err := Build(testRequest(), testNetwork()).Render()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

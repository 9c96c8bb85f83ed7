package gbx

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// API versions requested during the session handshake.
const (
	serverAPIVersion = "2013-04-16"
	scriptAPIVersion = "3.0.0"
)

// expectBool unwraps the conventional boolean "ok" result most
// mutating methods return.
func expectBool(v Value, err error) error {
	if err != nil {
		return err
	}
	if v.Kind != KindBool || !v.Bool {
		return fmt.Errorf("expected method to return true, got %v", v)
	}
	return nil
}

// Authenticate identifies the controller as a SuperAdmin.
func (c *Client) Authenticate(ctx context.Context, login, password string) error {
	return expectBool(c.Invoke(ctx, "Authenticate", String(login), String(password)))
}

// EnableCallbacks turns on both the server's and the mode script's
// callback streams.
func (c *Client) EnableCallbacks(ctx context.Context) error {
	if err := expectBool(c.Invoke(ctx, "EnableCallbacks", Bool(true))); err != nil {
		return err
	}
	return c.TriggerScript(ctx, "XmlRpc.EnableCallbacks", "true")
}

// SetAPIVersion pins the callback wire formats this client decodes.
func (c *Client) SetAPIVersion(ctx context.Context) error {
	if err := expectBool(c.Invoke(ctx, "SetApiVersion", String(serverAPIVersion))); err != nil {
		return err
	}
	return c.TriggerScript(ctx, "XmlRpc.SetApiVersion", scriptAPIVersion)
}

// GetVersion returns the server build info.
func (c *Client) GetVersion(ctx context.Context) (Version, error) {
	v, err := c.Invoke(ctx, "GetVersion")
	if err != nil {
		return Version{}, err
	}
	return DecodeVersion(v)
}

// GetPlayerList returns every connected player, without the server's
// own pseudo-entry.
func (c *Client) GetPlayerList(ctx context.Context) ([]PlayerInfo, error) {
	v, err := c.Invoke(ctx, "GetPlayerList", Int(-1), Int(0), Int(1))
	if err != nil {
		return nil, err
	}
	return DecodePlayerInfos(v)
}

// GetMapList returns the server's current rotation.
func (c *Client) GetMapList(ctx context.Context) ([]PlaylistMap, error) {
	v, err := c.Invoke(ctx, "GetMapList", Int(-1), Int(0))
	if err != nil {
		return nil, err
	}
	return DecodePlaylist(v)
}

// GetMapInfo resolves a map file to its metadata.
func (c *Client) GetMapInfo(ctx context.Context, fileName string) (MapInfo, error) {
	v, err := c.Invoke(ctx, "GetMapInfo", String(fileName))
	if err != nil {
		return MapInfo{}, err
	}
	return DecodeMapInfo(v)
}

// AddMap appends a map file to the server's rotation.
func (c *Client) AddMap(ctx context.Context, fileName string) error {
	return expectBool(c.Invoke(ctx, "AddMap", String(fileName)))
}

// RemoveMap removes a map file from the server's rotation.
func (c *Client) RemoveMap(ctx context.Context, fileName string) error {
	return expectBool(c.Invoke(ctx, "RemoveMap", String(fileName)))
}

// GetCurrentMapIndex returns the rotation index of the current map.
func (c *Client) GetCurrentMapIndex(ctx context.Context) (int, error) {
	v, err := c.Invoke(ctx, "GetCurrentMapIndex")
	if err != nil {
		return 0, err
	}
	return v.Int, nil
}

// GetNextMapIndex returns the rotation index the server will load next.
func (c *Client) GetNextMapIndex(ctx context.Context) (int, error) {
	v, err := c.Invoke(ctx, "GetNextMapIndex")
	if err != nil {
		return 0, err
	}
	return v.Int, nil
}

// SetNextMapIndex commits the rotation index to load next.
func (c *Client) SetNextMapIndex(ctx context.Context, index int) error {
	return expectBool(c.Invoke(ctx, "SetNextMapIndex", Int(index)))
}

// NextMap ends the current map immediately.
func (c *Client) NextMap(ctx context.Context) error {
	return expectBool(c.Invoke(ctx, "NextMap"))
}

// RestartMap replays the current map after the outro.
func (c *Client) RestartMap(ctx context.Context) error {
	return expectBool(c.Invoke(ctx, "RestartMap"))
}

// ForceSpectator moves a player into spectator mode. Mode 3 keeps
// them selectable so they can rejoin a player slot.
func (c *Client) ForceSpectator(ctx context.Context, login string) error {
	return expectBool(c.Invoke(ctx, "ForceSpectator", String(login), Int(3)))
}

// Kick removes a player from the server.
func (c *Client) Kick(ctx context.Context, login, reason string) error {
	if reason == "" {
		return expectBool(c.Invoke(ctx, "Kick", String(login)))
	}
	return expectBool(c.Invoke(ctx, "Kick", String(login), String(reason)))
}

// Blacklist bans a player login.
func (c *Client) Blacklist(ctx context.Context, login string) error {
	return expectBool(c.Invoke(ctx, "BlackList", String(login)))
}

// Unblacklist lifts a ban.
func (c *Client) Unblacklist(ctx context.Context, login string) error {
	return expectBool(c.Invoke(ctx, "UnBlackList", String(login)))
}

// ChatSend broadcasts a server chat message.
func (c *Client) ChatSend(ctx context.Context, msg string) error {
	return expectBool(c.Invoke(ctx, "ChatSendServerMessage", String(msg)))
}

// ChatSendTo sends a server chat message to specific logins.
func (c *Client) ChatSendTo(ctx context.Context, msg string, logins []string) error {
	return expectBool(c.Invoke(ctx, "ChatSendServerMessageToLogin", String(msg), Strings(logins...)))
}

// ChatEnableManualRouting takes over chat forwarding; server messages
// keep flowing automatically.
func (c *Client) ChatEnableManualRouting(ctx context.Context) error {
	return expectBool(c.Invoke(ctx, "ChatEnableManualRouting", Bool(true), Bool(true)))
}

// ChatForward relays a player's chat line under their name.
func (c *Client) ChatForward(ctx context.Context, msg, from string, logins []string) error {
	return expectBool(c.Invoke(ctx, "ChatForwardToLogin", String(msg), String(from), Strings(logins...)))
}

// SendManialink displays a Manialink page to every player.
func (c *Client) SendManialink(ctx context.Context, ml string) error {
	// 0 = no auto-hide, false = no hide on click
	return expectBool(c.Invoke(ctx, "SendDisplayManialinkPage", String(ml), Int(0), Bool(false)))
}

// SendManialinkTo displays a Manialink page to one player.
func (c *Client) SendManialinkTo(ctx context.Context, ml, login string) error {
	return expectBool(c.Invoke(ctx, "SendDisplayManialinkPageToLogin", String(login), String(ml), Int(0), Bool(false)))
}

// HideManialinks clears all Manialink pages.
func (c *Client) HideManialinks(ctx context.Context) error {
	return expectBool(c.Invoke(ctx, "SendHideManialinkPage"))
}

// GetModeScriptSettings returns the raw mode settings struct.
func (c *Client) GetModeScriptSettings(ctx context.Context) (map[string]Value, error) {
	v, err := c.Invoke(ctx, "GetModeScriptSettings")
	if err != nil {
		return nil, err
	}
	if v.Kind != KindStruct {
		return nil, fmt.Errorf("expected struct of mode settings, got %s", v.Kind)
	}
	return v.Struct, nil
}

// SetModeScriptSettings commits changed mode settings.
func (c *Client) SetModeScriptSettings(ctx context.Context, settings map[string]Value) error {
	return expectBool(c.Invoke(ctx, "SetModeScriptSettings", Struct(settings)))
}

// TriggerScript invokes a mode-script method. Script methods answer
// through callbacks, never through the method response.
func (c *Client) TriggerScript(ctx context.Context, method string, args ...string) error {
	return expectBool(c.Invoke(ctx, "TriggerModeScriptEventArray", String(method), Strings(args...)))
}

// TriggerScriptResponse invokes a mode-script method with a fresh
// response ID appended; the answer arrives as a callback carrying the
// same ID.
func (c *Client) TriggerScriptResponse(ctx context.Context, method string, args ...string) (string, error) {
	responseID := uuid.NewString()
	args = append(args, responseID)
	if err := c.TriggerScript(ctx, method, args...); err != nil {
		return "", err
	}
	return responseID, nil
}

// RequestScores asks the mode for a ranking snapshot, answered by a
// Trackmania.Scores callback.
func (c *Client) RequestScores(ctx context.Context) error {
	_, err := c.TriggerScriptResponse(ctx, "Trackmania.GetScores")
	return err
}

// RequestWarmupStatus asks whether warm-up is supported and active,
// answered by a Trackmania.WarmUp.Status callback.
func (c *Client) RequestWarmupStatus(ctx context.Context) error {
	_, err := c.TriggerScriptResponse(ctx, "Trackmania.WarmUp.GetStatus")
	return err
}

// RequestPauseStatus asks whether pause is supported and active,
// answered by a Maniaplanet.Pause.Status callback.
func (c *Client) RequestPauseStatus(ctx context.Context) error {
	_, err := c.TriggerScriptResponse(ctx, "Maniaplanet.Pause.GetStatus")
	return err
}

// SetPause toggles the mode's pause; the resulting state arrives as a
// Maniaplanet.Pause.Status callback.
func (c *Client) SetPause(ctx context.Context, active bool) error {
	_, err := c.TriggerScriptResponse(ctx, "Maniaplanet.Pause.SetActive", strconv.FormatBool(active))
	return err
}

// ForceEndWarmup stops the running warm-up section.
func (c *Client) ForceEndWarmup(ctx context.Context) error {
	return c.TriggerScript(ctx, "Trackmania.WarmUp.ForceStop")
}

// ExtendWarmup adds time to the running warm-up section.
func (c *Client) ExtendWarmup(ctx context.Context, millis int) error {
	return c.TriggerScript(ctx, "Trackmania.WarmUp.Extend", strconv.Itoa(millis))
}

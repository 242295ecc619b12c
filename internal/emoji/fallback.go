package emoji

// fallbackTable is used when neither the cache file nor a remote source
// yields a table.
var fallbackTable = map[string]string{
	"100":                          "💯",
	"+1":                           "👍",
	"-1":                           "👎",
	"angry":                        "😠",
	"astonished":                   "😲",
	"beer":                         "🍺",
	"beers":                        "🍻",
	"blush":                        "😊",
	"boom":                         "💥",
	"broken_heart":                 "💔",
	"bug":                          "🐛",
	"bulb":                         "💡",
	"calendar":                     "📅",
	"check":                        "✅",
	"clap":                         "👏",
	"cold_sweat":                   "😰",
	"confounded":                   "😖",
	"confused":                     "😕",
	"cry":                          "😢",
	"dizzy":                        "💫",
	"dog":                          "🐶",
	"droplet":                      "💧",
	"eyes":                         "👀",
	"face_with_raised_eyebrow":     "🤨",
	"fire":                         "🔥",
	"flushed":                      "😳",
	"grin":                         "😁",
	"grinning":                     "😀",
	"grey_exclamation":             "❕",
	"grey_question":                "❔",
	"hand":                         "✋",
	"heart":                        "❤️",
	"heart_eyes":                   "😍",
	"hearts":                       "♥️",
	"heavy_check_mark":             "✔️",
	"heavy_multiplication_x":       "✖️",
	"hushed":                       "😯",
	"icecream":                     "🍦",
	"joy":                          "😂",
	"kissing":                      "😗",
	"kissing_closed_eyes":          "😚",
	"kissing_heart":                "😘",
	"kissing_smiling_eyes":         "😙",
	"laughing":                     "😆",
	"loudspeaker":                  "📢",
	"love":                         "❤️",
	"mask":                         "😷",
	"memo":                         "📝",
	"metal":                        "🤘",
	"moon":                         "🌙",
	"muscle":                       "💪",
	"neutral_face":                 "😐",
	"no_mouth":                     "😶",
	"ok":                           "👌",
	"ok_hand":                      "👌",
	"open_mouth":                   "😮",
	"party":                        "🥳",
	"pensive":                      "😔",
	"persevere":                    "😣",
	"point_down":                   "👇",
	"point_left":                   "👈",
	"point_right":                  "👉",
	"point_up":                     "☝️",
	"point_up_2":                   "👆",
	"pray":                         "🙏",
	"question":                     "❓",
	"rage":                         "😡",
	"raised_hand":                  "✋",
	"raised_hands":                 "🙌",
	"relaxed":                      "☺️",
	"relieved":                     "😌",
	"rocket":                       "🚀",
	"roll_eyes":                    "🙄",
	"rofl":                         "🤣",
	"sad":                          "😢",
	"scream":                       "😱",
	"scream_cat":                   "🙀",
	"see_no_evil":                  "🙈",
	"shushing_face":                "🤫",
	"sleeping":                     "😴",
	"slight_frown":                 "🙁",
	"slight_smile":                 "🙂",
	"smile":                        "😄",
	"smiley":                       "😃",
	"smirk":                        "😏",
	"sob":                          "😭",
	"sparkles":                     "✨",
	"star":                         "⭐",
	"stuck_out_tongue":             "😛",
	"stuck_out_tongue_closed_eyes": "😝",
	"stuck_out_tongue_winking_eye": "😜",
	"sunglasses":                   "😎",
	"sweat":                        "😓",
	"sweat_smile":                  "😅",
	"thinking":                     "🤔",
	"thumbsdown":                   "👎",
	"thumbsup":                     "👍",
	"tired_face":                   "😫",
	"triumph":                      "😤",
	"unamused":                     "😒",
	"upside_down":                  "🙃",
	"v":                            "✌️",
	"warning":                      "⚠️",
	"wave":                         "👋",
	"white_check_mark":             "✅",
	"wink":                         "😉",
	"x":                            "❌",
	"yum":                          "😋",
}

// Fallback returns a copy of the built-in table.
func Fallback() map[string]string {
	out := make(map[string]string, len(fallbackTable))
	for k, v := range fallbackTable {
		out[k] = v
	}
	return out
}

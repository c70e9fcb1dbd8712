package protocol

import (
	"github.com/google/uuid"

	"github.com/rickgao/marketstream/internal/model"
)

// Topic is the key callers wait on for channel updates of a unified symbol.
func Topic(channel, symbol string) string {
	return channel + ":" + symbol
}

// SubscribeFrame builds a subscribe command for a unified symbol.
func SubscribeFrame(channel, symbol string) ([]byte, error) {
	return command("subscribe", channel, symbol)
}

// UnsubscribeFrame builds an unsubscribe command for a unified symbol.
func UnsubscribeFrame(channel, symbol string) ([]byte, error) {
	return command("unsubscribe", channel, symbol)
}

func command(cmd, channel, symbol string) ([]byte, error) {
	return json.Marshal(Command{
		ID:  uuid.NewString(),
		Cmd: cmd,
		Params: Params{
			Channel: channel,
			Symbol:  model.VenueSymbol(symbol),
		},
	})
}

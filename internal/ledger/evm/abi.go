package evm

// energyMarketABI is the interface of the settlement and order-book contract.
const energyMarketABI = `[
  {"type":"function","name":"settle","stateMutability":"nonpayable",
   "inputs":[{"name":"deviceId","type":"string"},{"name":"netEnergyWh","type":"int256"}],"outputs":[]},
  {"type":"function","name":"placeOrder","stateMutability":"nonpayable",
   "inputs":[{"name":"owner","type":"address"},{"name":"isBid","type":"bool"},{"name":"quantity","type":"uint256"},{"name":"unitPrice","type":"uint256"}],
   "outputs":[{"name":"orderId","type":"uint256"}]},
  {"type":"function","name":"cancelOrder","stateMutability":"nonpayable",
   "inputs":[{"name":"orderId","type":"uint256"},{"name":"isBid","type":"bool"}],"outputs":[]},
  {"type":"function","name":"getOrder","stateMutability":"view",
   "inputs":[{"name":"orderId","type":"uint256"},{"name":"isBid","type":"bool"}],
   "outputs":[{"name":"exists","type":"bool"},{"name":"owner","type":"address"},{"name":"quantity","type":"uint256"},{"name":"unitPrice","type":"uint256"},{"name":"createdAt","type":"uint64"}]},
  {"type":"function","name":"marketAggregates","stateMutability":"view","inputs":[],
   "outputs":[{"name":"bidCount","type":"uint256"},{"name":"askCount","type":"uint256"},{"name":"bestBid","type":"uint256"},{"name":"bestAsk","type":"uint256"},{"name":"totalBidVolume","type":"uint256"},{"name":"totalAskVolume","type":"uint256"}]},
  {"type":"function","name":"settlementParams","stateMutability":"view","inputs":[],
   "outputs":[{"name":"minSettlementWh","type":"uint256"},{"name":"conversionRatio","type":"uint256"}]},
  {"type":"event","name":"SettlementRecorded","anonymous":false,
   "inputs":[{"name":"deviceId","type":"string","indexed":false},{"name":"netEnergyWh","type":"int256","indexed":false},{"name":"creditedValue","type":"int256","indexed":false}]}
]`
